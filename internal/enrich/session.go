package enrich

import (
	"context"
	"sync"
)

type sessionKey struct{}

type stamp struct {
	sessionID string
	recordID  string
	run       uint64
}

type session struct {
	recordID string
	run      uint64
	cancel   context.CancelFunc
}

// sessions tracks the record each client session is currently displaying and
// the one enrichment run allowed to report for it.
type sessions struct {
	mu      sync.Mutex
	runs    uint64
	current map[string]*session
}

// Begin marks recordID as the record displayed by sessionID and returns a
// context for its enrichment. Any enrichment previously begun for the session
// is cancelled, including one for the same record, and its results are
// discarded when they arrive. The returned cancel func releases the context.
func (o *Orchestrator) Begin(parent context.Context, sessionID, recordID string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	o.sessions.mu.Lock()
	o.sessions.runs++
	run := o.sessions.runs
	if prev, ok := o.sessions.current[sessionID]; ok {
		prev.cancel()
	}
	o.sessions.current[sessionID] = &session{recordID: recordID, run: run, cancel: cancel}
	o.sessions.mu.Unlock()

	ctx = context.WithValue(ctx, sessionKey{}, stamp{sessionID: sessionID, recordID: recordID, run: run})
	return ctx, cancel
}

// End forgets sessionID and cancels its in-flight enrichment.
func (o *Orchestrator) End(sessionID string) {
	o.sessions.mu.Lock()
	defer o.sessions.mu.Unlock()
	if s, ok := o.sessions.current[sessionID]; ok {
		s.cancel()
		delete(o.sessions.current, sessionID)
	}
}

// Current returns the record displayed by sessionID.
func (o *Orchestrator) Current(sessionID string) (string, bool) {
	o.sessions.mu.Lock()
	defer o.sessions.mu.Unlock()
	s, ok := o.sessions.current[sessionID]
	if !ok {
		return "", false
	}
	return s.recordID, true
}

// isCurrent reports whether ctx belongs to the latest run begun for its
// session. Contexts not created by Begin are always current.
func (o *Orchestrator) isCurrent(ctx context.Context) bool {
	st, ok := ctx.Value(sessionKey{}).(stamp)
	if !ok {
		return true
	}
	o.sessions.mu.Lock()
	defer o.sessions.mu.Unlock()
	s, ok := o.sessions.current[st.sessionID]
	return ok && s.run == st.run && s.recordID == st.recordID
}
