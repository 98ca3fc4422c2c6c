package events

import "sync"

// Mux fans one listener's notifications out to several dispatch targets.
// Targets filter for themselves: a Consumer ignores channels that are not
// its topic and the ConnectionManager ignores channels nobody subscribed
// to, so the mux can stay a plain broadcast.
//
// It exists because the listener takes its dispatch function at
// construction while consumers take the listener at theirs; the mux breaks
// that cycle. Add every target before the listener starts.
type Mux struct {
	mu      sync.RWMutex
	targets []DispatchFunc
}

// NewMux creates an empty mux.
func NewMux() *Mux {
	return &Mux{}
}

// Add registers a dispatch target.
func (m *Mux) Add(fn DispatchFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = append(m.targets, fn)
}

// Dispatch hands the notification to every target. It has the DispatchFunc
// shape, so the mux plugs straight into NewNotifyListener.
func (m *Mux) Dispatch(channel string, payload []byte) {
	m.mu.RLock()
	targets := m.targets
	m.mu.RUnlock()
	for _, fn := range targets {
		fn(channel, payload)
	}
}
