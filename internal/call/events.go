package call

// EventType tags the UI event stream.
type EventType string

const (
	// EventState: the session state or one of its UI-facing flags changed.
	EventState EventType = "state"
	// EventIncoming: a call is ringing; Call carries the caller info.
	EventIncoming EventType = "incoming-call"
	// EventRemoteMedia: a remote track arrived; MediaKind is audio/video.
	EventRemoteMedia EventType = "remote-media"
	// EventEnded: the session tore down; Outcome says why.
	EventEnded EventType = "ended"
	// EventError: a user-visible, non-fatal-to-the-process failure.
	EventError EventType = "error"
)

// Event is one entry on the UI event stream (delivered over SSE).
type Event struct {
	Type      EventType `json:"type"`
	State     State     `json:"state"`
	Call      *Snapshot `json:"call,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	MediaKind string    `json:"media_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Subscribe returns a channel of UI events and a cancel func. Slow consumers
// lose events rather than blocking the engine.
func (m *Manager) Subscribe() (ch chan Event, cancel func()) {
	ch = make(chan Event, 32)

	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	cancel = func() {
		m.subsMu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.subsMu.Unlock()
	}
	return ch, cancel
}

// emit fans an event out to all subscribers without blocking. Safe to call
// while holding the manager mutex.
func (m *Manager) emit(ev Event) {
	m.subsMu.RLock()
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	m.subsMu.RUnlock()
}
