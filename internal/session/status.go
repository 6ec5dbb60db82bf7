// internal/session/status.go
package session

import "sync"

// State is the bridge session state.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateReaderMissing
	StateCardAbsent
	StateCardPresent
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateReaderMissing:
		return "reader_missing"
	case StateCardAbsent:
		return "card_absent"
	case StateCardPresent:
		return "card_present"
	default:
		return "unknown"
	}
}

// StatusSnapshot is what observers see. It contains no logic and no memory
// of the past beyond current state.
type StatusSnapshot struct {
	State         State  `json:"state"`
	ReaderPresent bool   `json:"readerPresent"`
	CardPresent   bool   `json:"cardPresent"`
	CardSerial    string `json:"cardSerial,omitempty"`
	Counter       uint32 `json:"counter,omitempty"`
	Balance       uint32 `json:"balance,omitempty"`
}

// statusHub fans snapshots out to subscribers. Delivery is best effort:
// a full subscriber channel is skipped, never waited on, so broadcasts can
// never block hardware operations.
type statusHub struct {
	mu     sync.Mutex
	subs   map[int]chan StatusSnapshot
	nextID int
}

func newStatusHub() *statusHub {
	return &statusHub{subs: make(map[int]chan StatusSnapshot)}
}

func (h *statusHub) publish(s StatusSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (h *statusHub) subscribe(buffer int) (<-chan StatusSnapshot, func()) {
	if buffer <= 0 {
		buffer = 8
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan StatusSnapshot, buffer)
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
