package netsim

// scheduler.go serves tasks on a device with a limited number of cores.
//
// A task states how much service it needs (in simulated seconds) and a time
// slice. When the slice covers the requirement the service is given at once;
// otherwise the task gets one slice and its residue rejoins the queue. Cores
// are allocated first-come first-served.

import (
	"container/heap"
	"math"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// Task describes the service requirements of an operation on a msg
type Task struct {
	OpType       string                    // what operation is being performed
	ID           int                       // unique within its scheduler
	req          float64                   // residual service
	ts           float64                   // timeslice
	completeFunc evtm.EventHandlerFunction // call when finished
	context      any                       // remember this from caller, to return when finished
	Msg          any                       // information package being carried
}

// reqSrvHeap and its methods implement a min-priority heap
// on the residual service requirements of tasks
type reqSrvHeap []*Task

func (h reqSrvHeap) Len() int           { return len(h) }
func (h reqSrvHeap) Less(i, j int) bool { return h[i].req < h[j].req }
func (h reqSrvHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *reqSrvHeap) Push(x any) {
	*h = append(*h, x.(*Task))
}

func (h *reqSrvHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// TaskScheduler holds data structures supporting the multi-core scheduling
type TaskScheduler struct {
	cores      int        // number of computational cores
	nxtTaskIdx int        // id of the next task created
	waiting    []*Task    // work to do, not in service
	inservice  reqSrvHeap // work being served concurrently
	served     int        // tasks completed
	maxWaiting int        // high water mark of the waiting queue
}

// CreateTaskScheduler is a constructor
func CreateTaskScheduler(cores int) *TaskScheduler {
	ops := &TaskScheduler{cores: max(cores, 1)}
	ops.waiting = []*Task{}
	ops.inservice = []*Task{}
	heap.Init(&ops.inservice)
	return ops
}

func (ops *TaskScheduler) createTask(op string, req, ts float64, msg any, context any, complete evtm.EventHandlerFunction) *Task {
	ops.nxtTaskIdx += 1
	return &Task{OpType: op, ID: ops.nxtTaskIdx, req: req, ts: ts, Msg: msg, context: context, completeFunc: complete}
}

// Schedule puts a piece of work either in queue to be done, or in service.  Parameters are
// - op : a code for the type of work being done
// - req : the service requirements for this task, on this device
// - ts  : timeslice, the amount of service the task gets before yielding
// - msg : the message being processed
// - complete : an event handler called with (context, *Task) when the task has completed
// The return is true if the 'task is finished' event was scheduled.
func (ops *TaskScheduler) Schedule(evtMgr *evtm.EventManager, op string, req, ts float64,
	context any, msg any, complete evtm.EventHandlerFunction) bool {

	task := ops.createTask(op, req, ts, msg, context, complete)
	return ops.joinQueue(evtMgr, task)
}

// joinQueue is called to put a Task into the data structure that governs
// allocation of service
func (ops *TaskScheduler) joinQueue(evtMgr *evtm.EventManager, task *Task) bool {
	if ops.cores <= len(ops.inservice) {
		ops.waiting = append(ops.waiting, task)
		ops.maxWaiting = max(ops.maxWaiting, len(ops.waiting))
		return false
	}

	execute := task.ts
	finished := false
	if task.req <= task.ts {
		execute = task.req
		finished = true
	}
	evtMgr.Schedule(ops, finished, timeSliceComplete, vrtime.SecondsToTime(execute))

	if finished {
		evtMgr.Schedule(task.context, task, task.completeFunc, vrtime.SecondsToTime(task.req))
	}
	task.req = math.Max(task.req-task.ts, 0.0)
	heap.Push(&ops.inservice, task)
	return finished
}

// timeSliceComplete is called when the timeslice allocated to a task has completed
func timeSliceComplete(evtMgr *evtm.EventManager, context any, data any) any {
	ops := context.(*TaskScheduler)
	finished := data.(bool)

	task := heap.Pop(&ops.inservice).(*Task)

	// the first waiting task (FCFS) takes the freed core
	if len(ops.waiting) > 0 {
		newtask := ops.waiting[0]
		ops.waiting = ops.waiting[1:]
		ops.joinQueue(evtMgr, newtask)
	}

	if finished {
		ops.served += 1
		return nil
	}

	ops.joinQueue(evtMgr, task)
	return nil
}

// Served returns the number of tasks that completed service.
func (ops *TaskScheduler) Served() int { return ops.served }

// MaxWaiting returns the longest the waiting queue has been.
func (ops *TaskScheduler) MaxWaiting() int { return ops.maxWaiting }
