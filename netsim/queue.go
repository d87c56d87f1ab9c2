package netsim

// queue.go holds the transmit queue of a wired interface

import (
	"math"
)

// txQueue is a DropTail FIFO in front of a link transmitter. Since service
// is first-come first-served at a fixed rate, the queue need not hold the
// packets themselves: the departure time of an admitted packet is known when
// it is admitted.
type txQueue struct {
	limit    int     // packets held at most, the one in transmission included
	held     int     // admitted and not yet departed
	empties  float64 // time the last admitted packet has been clocked out
	admitted int
	drops    int
	maxHeld  int
}

func createTxQueue(limit int) *txQueue {
	return &txQueue{limit: max(limit, 1)}
}

// admit offers a packet needing txTime seconds of transmission at time now.
// It returns the time the packet's last bit leaves, or false if the queue is
// full and the packet is dropped.
func (tq *txQueue) admit(now, txTime float64) (float64, bool) {
	if tq.held >= tq.limit {
		tq.drops += 1
		return 0.0, false
	}
	departs := roundFloat(math.Max(now, tq.empties)+txTime, rdigits)
	tq.empties = departs
	tq.held += 1
	tq.admitted += 1
	tq.maxHeld = max(tq.maxHeld, tq.held)
	return departs, true
}

// release is called when an admitted packet departs.
func (tq *txQueue) release() {
	if tq.held > 0 {
		tq.held -= 1
	}
}

var rdigits uint = 15

// round computed simulation time to avoid non-sensical comparisons
// induced by rounding error
func roundFloat(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}
