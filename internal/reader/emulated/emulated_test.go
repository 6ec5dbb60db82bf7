// internal/reader/emulated/emulated_test.go
package emulated

import (
	"errors"
	"testing"
	"time"

	"github.com/biglietteria/sigillo-bridge/internal/reader"
	"github.com/biglietteria/sigillo-bridge/internal/seal"
)

var serialA = [8]byte{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7}

func testRequest(price uint32) seal.Request {
	return seal.Request{
		PriceCents: price,
		Timestamp:  time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
}

func TestProbe_PresenceStates(t *testing.T) {
	r := New()

	st, err := r.Probe()
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !st.ReaderPresent || st.CardPresent {
		t.Fatalf("fresh reader: %+v", st)
	}

	r.InsertCard(NewCard(serialA, 5, 100, 0x81))
	st, _ = r.Probe()
	if !st.CardPresent {
		t.Fatal("card inserted but not reported present")
	}

	r.DetachReader()
	st, _ = r.Probe()
	if st.ReaderPresent || st.CardPresent {
		t.Fatalf("detached reader: %+v", st)
	}
}

func TestReadCard_Taxonomy(t *testing.T) {
	r := New()

	if _, err := r.ReadCard(); !errors.Is(err, reader.ErrCardAbsent) {
		t.Fatalf("no card: %v", err)
	}

	r.DetachReader()
	if _, err := r.ReadCard(); !errors.Is(err, reader.ErrReaderUnavailable) {
		t.Fatalf("no reader: %v", err)
	}

	r.AttachReader()
	r.InsertCard(NewCard(serialA, 5, 250, 0x81))
	state, err := r.ReadCard()
	if err != nil {
		t.Fatalf("ReadCard: %v", err)
	}
	if state.Serial != "a0a1a2a3a4a5a6a7" || state.Counter != 5 || state.Balance != 250 || state.KeyID != 0x81 {
		t.Fatalf("card state: %+v", state)
	}
}

func TestComputeSeal_CounterStrictlyIncreasingNoGaps(t *testing.T) {
	r := New()
	card := NewCard(serialA, 5, 100, 0x81)
	r.InsertCard(card)

	state, err := r.ReadCard()
	if err != nil {
		t.Fatalf("ReadCard: %v", err)
	}

	prev := state.Counter
	for i := 0; i < 10; i++ {
		res, err := r.ComputeSeal(state, testRequest(uint32(100+i)))
		if err != nil {
			t.Fatalf("seal %d: %v", i, err)
		}
		if res.Counter != prev+1 {
			t.Fatalf("seal %d: counter %d after %d, want %d", i, res.Counter, prev, prev+1)
		}
		prev = res.Counter
	}
}

func TestComputeSeal_VerifiableAndPriceSensitive(t *testing.T) {
	r := New()
	card := NewCard(serialA, 5, 100, 0x81)
	r.InsertCard(card)
	state, _ := r.ReadCard()

	req := testRequest(1000) // 10.00
	res, err := r.ComputeSeal(state, req)
	if err != nil {
		t.Fatalf("ComputeSeal: %v", err)
	}
	if res.Counter != 6 {
		t.Fatalf("counter = %d, want 6", res.Counter)
	}
	if !card.Verify(req, res) {
		t.Fatal("seal does not verify against card key")
	}

	// Same counter, price 10.01: mac must differ.
	other := seal.Compute([16]byte{}, seal.Canonicalize(serialA, res.Counter, testRequest(1001)))
	if other == res.MAC {
		t.Fatal("different price must not collide")
	}
	res2, err := r.ComputeSeal(state, testRequest(1001))
	if err != nil {
		t.Fatalf("second seal: %v", err)
	}
	if res2.MAC == res.MAC {
		t.Fatal("seals for different transactions must differ")
	}
}

func TestComputeSeal_CardRemovedBetweenReadAndSeal(t *testing.T) {
	r := New()
	r.InsertCard(NewCard(serialA, 5, 100, 0x81))
	state, _ := r.ReadCard()

	r.RemoveCard()
	if _, err := r.ComputeSeal(state, testRequest(100)); !errors.Is(err, reader.ErrCardRemoved) {
		t.Fatalf("removed card: %v", err)
	}

	// A different card in the slot is also a removal of the read card.
	other := serialA
	other[0] ^= 0xff
	r.InsertCard(NewCard(other, 9, 10, 0x82))
	if _, err := r.ComputeSeal(state, testRequest(100)); !errors.Is(err, reader.ErrCardRemoved) {
		t.Fatalf("swapped card: %v", err)
	}
}

func TestComputeSeal_ConcurrentSealsNeverShareACounter(t *testing.T) {
	r := New()
	r.InsertCard(NewCard(serialA, 0, 0, 0x81))
	state, _ := r.ReadCard()

	const n = 50
	results := make(chan uint32, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := r.ComputeSeal(state, testRequest(100))
			if err != nil {
				results <- 0
				return
			}
			results <- res.Counter
		}()
	}

	seen := make(map[uint32]bool)
	for i := 0; i < n; i++ {
		c := <-results
		if c == 0 {
			t.Fatal("seal failed")
		}
		if seen[c] {
			t.Fatalf("counter %d used twice", c)
		}
		seen[c] = true
	}
}

func TestForcedFaults(t *testing.T) {
	r := New()
	r.InsertCard(NewCard(serialA, 5, 100, 0x81))

	r.FailNextIO(reader.ErrHardwareFault)
	if _, err := r.ReadCard(); !errors.Is(err, reader.ErrHardwareFault) {
		t.Fatalf("forced fault: %v", err)
	}
	// Fault is one-shot.
	if _, err := r.ReadCard(); err != nil {
		t.Fatalf("after fault: %v", err)
	}

	r.FailProbe(reader.ErrReaderUnavailable)
	if _, err := r.Probe(); !errors.Is(err, reader.ErrReaderUnavailable) {
		t.Fatalf("forced probe failure: %v", err)
	}
	r.FailProbe(nil)
	if _, err := r.Probe(); err != nil {
		t.Fatalf("probe after clear: %v", err)
	}
}
