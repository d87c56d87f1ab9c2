package netsim

// radio.go models the attachment of mobiles to the base station. Attachment
// is a control plane affair here: every mobile associates after a random
// backoff, and no datagram is carried over the radio.

import (
	"fmt"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/lvwf1/hvtsim"
	"github.com/lvwf1/hvtsim/internal/logging"
)

// Attachment describes one radio attachment after a run.
type Attachment struct {
	Mobile   string  `json:"mobile" yaml:"mobile"`
	Base     string  `json:"base" yaml:"base"`
	Distance float64 `json:"distance" yaml:"distance"` // metres
	Attached bool    `json:"attached" yaml:"attached"`
	At       float64 `json:"at" yaml:"at"` // simulation time the association completed
}

type radioAttachment struct {
	rm       *radioModel
	link     hvtsim.LinkHandle
	mobile   topoDev
	base     topoDev
	distance float64
	attached bool
	at       float64
}

type radioModel struct {
	nw          *Network
	attachments []*radioAttachment
	byMobile    map[int]*radioAttachment
}

func newRadioModel(nw *Network) *radioModel {
	return &radioModel{nw: nw, byMobile: make(map[int]*radioAttachment)}
}

// attach records a radio attachment between a mobile and the base station.
// Either side may be given first.
func (rm *radioModel) attach(hdl hvtsim.LinkHandle, devA, devB topoDev) error {
	mobile, base := devA, devB
	if mobile.devType() == baseCode {
		mobile, base = base, mobile
	}
	if mobile.devType() != hostCode || base.devType() != baseCode {
		return fmt.Errorf("radio link %s-%s must join a mobile and a base station", devA.devName(), devB.devName())
	}
	if prev, present := rm.byMobile[mobile.devID()]; present {
		return fmt.Errorf("mobile %s already attached to %s", mobile.devName(), prev.base.devName())
	}

	ra := &radioAttachment{
		rm:       rm,
		link:     hdl,
		mobile:   mobile,
		base:     base,
		distance: mobile.core().position.DistanceTo(base.core().position),
	}
	rm.attachments = append(rm.attachments, ra)
	rm.byMobile[mobile.devID()] = ra
	return nil
}

// start schedules every association after a backoff drawn from the
// mobile's own random stream.
func (rm *radioModel) start(evtMgr *evtm.EventManager) {
	for _, ra := range rm.attachments {
		backoff := ra.mobile.devRng().RandU01() * rm.nw.maxBackoff
		evtMgr.Schedule(ra, nil, radioAttachComplete, vrtime.SecondsToTime(backoff))
	}
}

// radioAttachComplete marks a mobile as associated with its base station.
func radioAttachComplete(evtMgr *evtm.EventManager, context any, data any) any {
	ra := context.(*radioAttachment)
	if ra.rm.nw.expired(evtMgr) {
		return nil
	}
	ra.attached = true
	ra.at = evtMgr.CurrentSeconds()
	ra.rm.logAttach(ra)
	return nil
}

func (rm *radioModel) attachedCount() int {
	cnt := 0
	for _, ra := range rm.attachments {
		if ra.attached {
			cnt += 1
		}
	}
	return cnt
}

func (rm *radioModel) describe() []Attachment {
	rtn := make([]Attachment, 0, len(rm.attachments))
	for _, ra := range rm.attachments {
		rtn = append(rtn, Attachment{
			Mobile:   ra.mobile.devName(),
			Base:     ra.base.devName(),
			Distance: ra.distance,
			Attached: ra.attached,
			At:       ra.at,
		})
	}
	return rtn
}

func (rm *radioModel) logAttach(ra *radioAttachment) {
	rm.nw.log.Debug(rm.nw.ctx, "mobile attached",
		logging.String("mobile", ra.mobile.devName()),
		logging.String("base", ra.base.devName()),
		logging.Float64("distance", ra.distance),
		logging.Float64("time", ra.at),
	)
}
