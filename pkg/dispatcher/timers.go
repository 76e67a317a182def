package dispatcher

import (
	"container/heap"
	"sync"
	"time"
)

// deadlineKind distinguishes what a firing deadline means for a job
type deadlineKind int

const (
	deadlineAck   deadlineKind = iota // no ACK since Assign
	deadlineExec                      // execution timeout since Start
	deadlineRetry                     // backoff elapsed, fire Retry
)

func (k deadlineKind) String() string {
	switch k {
	case deadlineAck:
		return "ack"
	case deadlineExec:
		return "exec"
	case deadlineRetry:
		return "retry"
	}
	return "unknown"
}

type deadline struct {
	at    time.Time
	jobID string
	kind  deadlineKind
	index int // heap bookkeeping
}

type deadlineHeap []*deadline

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *deadlineHeap) Push(x interface{}) { d := x.(*deadline); d.index = len(*h); *h = append(*h, d) }
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return d
}

type timerKey struct {
	jobID string
	kind  deadlineKind
}

// timerWheel runs all job deadlines off a single goroutine and one
// timer, backed by a min-heap on the deadline instant.
type timerWheel struct {
	mu      sync.Mutex
	heap    deadlineHeap
	entries map[timerKey]*deadline
	wake    chan struct{}
	fire    func(jobID string, kind deadlineKind)

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newTimerWheel(fire func(jobID string, kind deadlineKind)) *timerWheel {
	return &timerWheel{
		entries: make(map[timerKey]*deadline),
		wake:    make(chan struct{}, 1),
		fire:    fire,
		stopCh:  make(chan struct{}),
	}
}

// schedule arms (or re-arms) the deadline of the given kind for a job
func (w *timerWheel) schedule(jobID string, kind deadlineKind, at time.Time) {
	key := timerKey{jobID, kind}

	w.mu.Lock()
	if old, ok := w.entries[key]; ok {
		heap.Remove(&w.heap, old.index)
	}
	d := &deadline{at: at, jobID: jobID, kind: kind}
	heap.Push(&w.heap, d)
	w.entries[key] = d
	w.mu.Unlock()

	w.nudge()
}

// cancel disarms the deadline; a no-op when none is armed
func (w *timerWheel) cancel(jobID string, kind deadlineKind) {
	key := timerKey{jobID, kind}

	w.mu.Lock()
	if d, ok := w.entries[key]; ok {
		heap.Remove(&w.heap, d.index)
		delete(w.entries, key)
	}
	w.mu.Unlock()
}

// cancelAll disarms every deadline for the job
func (w *timerWheel) cancelAll(jobID string) {
	w.cancel(jobID, deadlineAck)
	w.cancel(jobID, deadlineExec)
	w.cancel(jobID, deadlineRetry)
}

func (w *timerWheel) nudge() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *timerWheel) start() { go w.run() }

func (w *timerWheel) stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *timerWheel) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		w.mu.Lock()
		var wait time.Duration = time.Hour
		if len(w.heap) > 0 {
			wait = time.Until(w.heap[0].at)
		}
		w.mu.Unlock()

		if wait <= 0 {
			w.fireDue()
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
			w.fireDue()
		case <-w.wake:
		case <-w.stopCh:
			return
		}
	}
}

func (w *timerWheel) fireDue() {
	now := time.Now()
	for {
		w.mu.Lock()
		if len(w.heap) == 0 || w.heap[0].at.After(now) {
			w.mu.Unlock()
			return
		}
		d := heap.Pop(&w.heap).(*deadline)
		delete(w.entries, timerKey{d.jobID, d.kind})
		w.mu.Unlock()

		w.fire(d.jobID, d.kind)
	}
}
