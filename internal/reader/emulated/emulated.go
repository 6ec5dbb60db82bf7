// internal/reader/emulated/emulated.go
package emulated

import (
	"crypto/rand"
	"sync"

	"github.com/biglietteria/sigillo-bridge/internal/reader"
	"github.com/biglietteria/sigillo-bridge/internal/seal"
)

// Card is an in-memory fiscal card. It owns its key material; the key never
// crosses the package boundary.
type Card struct {
	serial  [8]byte
	key     [16]byte
	counter uint32
	balance uint32
	keyID   byte
}

// NewCard creates a card with the given identity and counter state and a
// random key.
func NewCard(serial [8]byte, counter, balance uint32, keyID byte) *Card {
	c := &Card{
		serial:  serial,
		counter: counter,
		balance: balance,
		keyID:   keyID,
	}
	if _, err := rand.Read(c.key[:]); err != nil {
		panic("emulated: key generation failed")
	}
	return c
}

// Verify recomputes the seal for a result, for tests that check
// verifiability without exposing the key.
func (c *Card) Verify(req seal.Request, res seal.Result) bool {
	mac := seal.Compute(c.key, seal.Canonicalize(c.serial, res.Counter, req))
	return mac == res.MAC
}

// Reader is an in-memory reader.Client used by tests and by the bridge's
// --emulated mode. Presence is controlled by the test/demo driver.
type Reader struct {
	mu            sync.Mutex
	readerPresent bool
	card          *Card
	slot          int

	probeErr error // forced adapter-level failure, for tests
	ioErr    error // forced hardware fault on the next card operation
}

// New creates a reader with no card and the reader hardware attached.
func New() *Reader {
	return &Reader{readerPresent: true}
}

// ---- presence control (driver side) ----

func (r *Reader) AttachReader() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readerPresent = true
}

func (r *Reader) DetachReader() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readerPresent = false
}

func (r *Reader) InsertCard(c *Card) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.card = c
}

func (r *Reader) RemoveCard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.card = nil
}

// FailProbe forces Probe to fail with err until cleared with nil.
func (r *Reader) FailProbe(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probeErr = err
}

// FailNextIO forces the next ReadCard or ComputeSeal to fail with err.
func (r *Reader) FailNextIO(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ioErr = err
}

// ---- reader.Client ----

func (r *Reader) Probe() (reader.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.probeErr != nil {
		return reader.Status{}, r.probeErr
	}
	return reader.Status{
		ReaderPresent: r.readerPresent,
		CardPresent:   r.readerPresent && r.card != nil,
		Slot:          r.slot,
	}, nil
}

func (r *Reader) ReadCard() (reader.CardState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.takeIOErr(); err != nil {
		return reader.CardState{}, err
	}
	if !r.readerPresent {
		return reader.CardState{}, reader.ErrReaderUnavailable
	}
	if r.card == nil {
		return reader.CardState{}, reader.ErrCardAbsent
	}

	return reader.CardState{
		Serial:      reader.SerialString(r.card.serial),
		SerialBytes: r.card.serial,
		Counter:     r.card.counter,
		Balance:     r.card.balance,
		KeyID:       r.card.keyID,
		Slot:        r.slot,
	}, nil
}

// ComputeSeal performs presence check, counter increment and MAC under one
// mutex hold, mirroring the single card transaction of the real hardware.
func (r *Reader) ComputeSeal(state reader.CardState, req seal.Request) (seal.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.takeIOErr(); err != nil {
		return seal.Result{}, err
	}
	if !r.readerPresent {
		return seal.Result{}, reader.ErrReaderUnavailable
	}
	if r.card == nil || r.card.serial != state.SerialBytes {
		return seal.Result{}, reader.ErrCardRemoved
	}

	r.card.counter++
	mac := seal.Compute(r.card.key, seal.Canonicalize(r.card.serial, r.card.counter, req))

	return seal.Result{
		MAC:     mac,
		Serial:  state.Serial,
		Counter: r.card.counter,
	}, nil
}

func (r *Reader) Close() error { return nil }

func (r *Reader) takeIOErr() error {
	err := r.ioErr
	r.ioErr = nil
	return err
}
