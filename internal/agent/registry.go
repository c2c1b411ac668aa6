package agent

import (
	"context"
	"sync"
)

// steeringBuffer bounds how many mid-turn steering messages queue up.
const steeringBuffer = 16

// run tracks one in-flight turn.
type run struct {
	sessionID string
	runID     string
	cancel    context.CancelFunc
	steering  chan string
	aborted   bool
}

// runRegistry indexes in-flight turns by session and by run id so chat.abort
// and steering can reach them. The queue serializes turns per session, so at
// most one run per session exists.
type runRegistry struct {
	mu    sync.Mutex
	runs  map[string]*run // by session id
	byRun map[string]*run // by run id
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: map[string]*run{}, byRun: map[string]*run{}}
}

func (r *runRegistry) register(sessionID, runID string, cancel context.CancelFunc) *run {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := &run{
		sessionID: sessionID,
		runID:     runID,
		cancel:    cancel,
		steering:  make(chan string, steeringBuffer),
	}
	r.runs[sessionID] = st
	r.byRun[runID] = st
	return st
}

func (r *runRegistry) unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.runs[sessionID]; ok {
		delete(r.byRun, st.runID)
	}
	delete(r.runs, sessionID)
}

// abort cancels the session's in-flight turn. Returns false when nothing is
// running.
func (r *runRegistry) abort(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.runs[sessionID]
	if !ok {
		return false
	}
	st.aborted = true
	st.cancel()
	return true
}

// abortRun cancels the turn with the given run id. Returns false when no such
// run is in flight.
func (r *runRegistry) abortRun(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.byRun[runID]
	if !ok {
		return false
	}
	st.aborted = true
	st.cancel()
	return true
}

// steer queues a message for injection before the run's next provider call.
// Returns false when nothing is running or the buffer is full.
func (r *runRegistry) steer(sessionID, text string) bool {
	r.mu.Lock()
	st, ok := r.runs[sessionID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case st.steering <- text:
		return true
	default:
		return false
	}
}

func (r *runRegistry) active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.runs))
	for id := range r.runs {
		out = append(out, id)
	}
	return out
}

// drainSteering empties the steering queue without blocking.
func (st *run) drainSteering() []string {
	var out []string
	for {
		select {
		case msg := <-st.steering:
			out = append(out, msg)
		default:
			return out
		}
	}
}
