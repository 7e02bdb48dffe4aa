package someip

import "sync"

// sessionKey identifies one (service, method) session-id counter.
type sessionKey struct {
	service ServiceID
	method MethodID
}

// SessionRegistry hands out monotonically increasing 16-bit session ids per
// (service_id, method_id), wrapping 0xFFFF back to 1 (0 is never returned).
// It is scoped to one runtime instance, not process-wide.
//
// The counters live in one map keyed by (service, method), guarded by a
// single mutex; this is deliberately simple; a sharded/lock-free counter is a candidate
// if session allocation ever shows up as a hot path, but a single map with
// a short critical section is simplest and easiest to reason about.
type SessionRegistry struct {
	mu sync.Mutex
	counters map[sessionKey]SessionID
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{counters: make(map[sessionKey]SessionID)}
}

// Next returns the current session id for (service, method), then advances
// the counter. A fresh key starts at 1.
func (r *SessionRegistry) Next(service ServiceID, method MethodID) SessionID {
	key := sessionKey{service, method}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.counters[key]
	if !ok {
		cur = 1
	}
	var next SessionID
	if cur == 0xFFFF {
		next = 1
	} else {
		next = cur + 1
	}
	r.counters[key] = next
	return cur
}
