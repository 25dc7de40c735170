package obs

import (
	"sync"
)

// Alert is raised for failures that threaten ledger integrity.
type Alert struct {
	Subject string
	Key     string
	Err     error
}

// AlertHook receives every raised alert after it has been logged and counted.
type AlertHook func(Alert)

type hookEntry struct {
	id uint64
	fn AlertHook
}

var (
	hooksMu sync.RWMutex
	hooks   []hookEntry
	hookSeq uint64
)

// OnAlert subscribes fn to alerts until the returned function is called.
func OnAlert(fn AlertHook) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	hooksMu.Lock()
	hookSeq++
	id := hookSeq
	hooks = append(hooks, hookEntry{id: id, fn: fn})
	hooksMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			hooksMu.Lock()
			defer hooksMu.Unlock()
			for i, h := range hooks {
				if h.id == id {
					hooks = append(hooks[:i:i], hooks[i+1:]...)
					return
				}
			}
		})
	}
}

// RaiseAlert logs at error level, bumps invariant_violations_total and fans
// out to registered hooks.
func RaiseAlert(a Alert) {
	ev := Logger().Error().
		Str("alert", "invariant_violation").
		Str("subject", a.Subject).
		Str("key", a.Key)
	if a.Err != nil {
		ev = ev.Err(a.Err)
	}
	ev.Msg("ledger integrity alert")
	InvariantViolations.WithLabelValues(a.Subject).Inc()

	hooksMu.RLock()
	hs := append([]hookEntry(nil), hooks...)
	hooksMu.RUnlock()
	for _, h := range hs {
		h.fn(a)
	}
}
