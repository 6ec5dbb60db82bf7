// internal/session/session.go
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/biglietteria/sigillo-bridge/internal/reader"
	"github.com/biglietteria/sigillo-bridge/internal/seal"
)

var (
	// ErrNoCard: a seal was requested without a present, read card.
	// Caller error, rejected immediately, no retry.
	ErrNoCard = errors.New("session: no card present")

	ErrAlreadyRunning = errors.New("session: already running")
	ErrStopped        = errors.New("session: stopped")
)

const (
	// DefaultProbeInterval is the probe tick period.
	DefaultProbeInterval = 3 * time.Second

	// DefaultOpTimeout bounds every hardware operation. An operation that
	// exceeds it surfaces as a hardware fault, not a hang.
	DefaultOpTimeout = 5 * time.Second
)

// Config is the minimal runtime config the session needs.
type Config struct {
	ProbeInterval time.Duration
	OpTimeout     time.Duration
}

// Session owns the card reader. All hardware operations — probe ticks,
// card reads, seal computations — execute on one goroutine in strict
// arrival order, so no two operations ever overlap and no two seals can
// observe the same pre-increment counter.
type Session struct {
	client reader.Client
	logger *slog.Logger
	cfg    Config
	hub    *statusHub

	mu      sync.Mutex
	state   State
	card    reader.CardState
	hasCard bool
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	ops     chan func()

	// abandoned, when non-nil, signals completion of a timed-out hardware
	// call still running in the background. Touched only by the run
	// goroutine, which is the sole issuer of hardware calls.
	abandoned chan struct{}
}

// New creates a stopped session. logger nil means slog.Default().
func New(client reader.Client, cfg Config, logger *slog.Logger) *Session {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		client: client,
		logger: logger.With("component", "session"),
		cfg:    cfg,
		hub:    newStatusHub(),
		state:  StateIdle,
	}
}

// Start begins periodic probing. Idle -> Polling.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.ops = make(chan func(), 16)
	s.state = StatePolling
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("bridge started", "interval", s.cfg.ProbeInterval)
	s.hub.publish(snap)

	go s.run(ctx)
	return nil
}

// Stop cancels probing and clears card state. Any state -> Idle.
// Safe to call when already stopped.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.state = StateIdle
	s.card = reader.CardState{}
	s.hasCard = false
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info("bridge stopped")
	s.hub.publish(snap)
}

// run is the single hardware-owner goroutine: a cooperative scheduled task,
// suspended between ticks, cancelable instantly via ctx.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	s.probeTick()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probeTick()
		case fn := <-s.ops:
			fn()
		}
	}
}

// ---- observation ----

// Status returns the current snapshot.
func (s *Session) Status() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Card returns the live card state, if a card has been read.
func (s *Session) Card() (reader.CardState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.card, s.hasCard
}

// SubscribeStatus registers a status observer. Best-effort delivery;
// cancel to unsubscribe.
func (s *Session) SubscribeStatus(buffer int) (<-chan StatusSnapshot, func()) {
	return s.hub.subscribe(buffer)
}

func (s *Session) snapshotLocked() StatusSnapshot {
	snap := StatusSnapshot{
		State:         s.state,
		ReaderPresent: s.state == StateCardAbsent || s.state == StateCardPresent,
		CardPresent:   s.state == StateCardPresent,
	}
	if s.hasCard {
		snap.CardSerial = s.card.Serial
		snap.Counter = s.card.Counter
		snap.Balance = s.card.Balance
	}
	return snap
}

// ---- operations ----

// RequestSeal computes a fiscal seal for req. Valid only in CardPresent.
// Concurrent requests queue and execute strictly in arrival order.
func (s *Session) RequestSeal(ctx context.Context, req seal.Request) (seal.Result, error) {
	s.mu.Lock()
	if !s.running || s.state != StateCardPresent {
		s.mu.Unlock()
		return seal.Result{}, ErrNoCard
	}
	s.mu.Unlock()

	return enqueue(s, ctx, func() (seal.Result, error) {
		return s.doSeal(req)
	})
}

// ProbeNow runs one probe through the operation queue and returns the raw
// observation. Used by the local command surface.
func (s *Session) ProbeNow(ctx context.Context) (reader.Status, error) {
	return enqueue(s, ctx, func() (reader.Status, error) {
		st, err := callTimed(s, s.client.Probe)
		if err != nil {
			return reader.Status{}, err
		}
		return st, nil
	})
}

// ReadNow runs one card read through the operation queue.
func (s *Session) ReadNow(ctx context.Context) (reader.CardState, error) {
	return enqueue(s, ctx, func() (reader.CardState, error) {
		cs, err := callTimed(s, s.client.ReadCard)
		if err != nil {
			return reader.CardState{}, err
		}
		s.setCard(cs)
		return cs, nil
	})
}

// doSeal executes on the run goroutine.
func (s *Session) doSeal(req seal.Request) (seal.Result, error) {
	s.mu.Lock()
	if s.state != StateCardPresent || !s.hasCard {
		s.mu.Unlock()
		return seal.Result{}, ErrNoCard
	}
	card := s.card
	s.mu.Unlock()

	res, err := callTimed(s, func() (seal.Result, error) {
		return s.client.ComputeSeal(card, req)
	})
	if err != nil {
		if errors.Is(err, reader.ErrCardRemoved) || errors.Is(err, reader.ErrCardAbsent) {
			s.transition(StateCardAbsent, reader.CardState{}, false)
		}
		s.logger.Error("seal failed", "error", err, "serial", card.Serial)
		return seal.Result{}, err
	}

	s.mu.Lock()
	if s.hasCard && s.card.Serial == res.Serial {
		s.card.Counter = res.Counter
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.hub.publish(snap)

	s.logger.Info("seal computed",
		"serial", res.Serial,
		"counter", res.Counter,
		"price", seal.FormatPrice(req.PriceCents),
	)
	return res, nil
}

// probeTick executes on the run goroutine.
func (s *Session) probeTick() {
	st, err := callTimed(s, s.client.Probe)
	if err != nil {
		s.logger.Error("probe failed", "error", err)
		s.transition(StateReaderMissing, reader.CardState{}, false)
		return
	}

	switch {
	case !st.ReaderPresent:
		s.transition(StateReaderMissing, reader.CardState{}, false)

	case !st.CardPresent:
		s.transition(StateCardAbsent, reader.CardState{}, false)

	default:
		s.mu.Lock()
		already := s.state == StateCardPresent && s.hasCard
		s.mu.Unlock()
		if already {
			return
		}

		cs, err := callTimed(s, s.client.ReadCard)
		if err != nil {
			// Removed between probe and read, or a fault: either way the
			// next tick re-observes. Card state stays invalid.
			if !errors.Is(err, reader.ErrCardAbsent) {
				s.logger.Warn("card read failed", "error", err)
			}
			s.transition(StateCardAbsent, reader.CardState{}, false)
			return
		}
		s.logger.Info("card read",
			"serial", cs.Serial, "counter", cs.Counter, "balance", cs.Balance)
		s.transition(StateCardPresent, cs, true)
	}
}

// transition moves to a new state, clearing or installing card state, and
// logs + broadcasts on change.
func (s *Session) transition(to State, card reader.CardState, hasCard bool) {
	s.mu.Lock()
	from := s.state
	changed := from != to || s.hasCard != hasCard
	s.state = to
	s.card = card
	s.hasCard = hasCard
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if !changed {
		return
	}
	s.logger.Info("state changed", "from", from.String(), "to", to.String())
	s.hub.publish(snap)
}

func (s *Session) setCard(cs reader.CardState) {
	s.transition(StateCardPresent, cs, true)
}

// enqueue runs fn on the hardware goroutine and waits for its result.
func enqueue[T any](s *Session, ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return zero, ErrStopped
	}
	ops, done := s.ops, s.done
	s.mu.Unlock()

	type result struct {
		v   T
		err error
	}
	reply := make(chan result, 1)

	select {
	case ops <- func() {
		v, err := fn()
		reply <- result{v, err}
	}:
	case <-done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.v, r.err
	case <-done:
		select {
		case r := <-reply:
			return r.v, r.err
		default:
			return zero, ErrStopped
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// callTimed bounds one hardware call. On timeout the call is abandoned (the
// goroutine is left to finish on its own) and the operation surfaces as a
// hardware fault. The client is not safe for concurrent use, so while an
// abandoned call is still running every further hardware operation is
// refused with a hardware fault instead of overlapping it.
func callTimed[T any](s *Session, fn func() (T, error)) (T, error) {
	var zero T

	if s.abandoned != nil {
		select {
		case <-s.abandoned:
			s.abandoned = nil
		default:
			return zero, fmt.Errorf("%w: previous operation still in progress", reader.ErrHardwareFault)
		}
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	running := make(chan struct{})
	go func() {
		defer close(running)
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-time.After(s.cfg.OpTimeout):
		s.abandoned = running
		return zero, fmt.Errorf("%w: operation timed out after %s", reader.ErrHardwareFault, s.cfg.OpTimeout)
	}
}
