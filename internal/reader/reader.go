// internal/reader/reader.go
package reader

import (
	"encoding/hex"
	"errors"

	"github.com/biglietteria/sigillo-bridge/internal/seal"
)

// Error taxonomy. Everything a client returns maps to one of these;
// no vendor status words or PC/SC codes escape the adapter boundary.
var (
	// ErrReaderUnavailable: driver or reader stack missing. Fatal until
	// resolved externally, never retried automatically.
	ErrReaderUnavailable = errors.New("reader: unavailable")

	// ErrCardAbsent: no card in the slot. Expected during normal operation.
	ErrCardAbsent = errors.New("reader: card absent")

	// ErrCardRemoved: card left the slot between read and seal.
	ErrCardRemoved = errors.New("reader: card removed")

	// ErrHardwareFault: lower-level I/O error. The next probe tick retries
	// naturally.
	ErrHardwareFault = errors.New("reader: hardware fault")
)

// Status is one probe observation.
type Status struct {
	ReaderPresent bool
	CardPresent   bool
	Slot          int
}

// CardState is the live identity and counter state of the inserted card.
// Populated by ReadCard, invalidated on card absence, never persisted.
type CardState struct {
	Serial      string // hex form of SerialBytes
	SerialBytes [8]byte
	Counter     uint32
	Balance     uint32
	KeyID       byte
	Slot        int
}

// SerialString renders an 8-byte card serial the way CardState.Serial does.
func SerialString(b [8]byte) string {
	return hex.EncodeToString(b[:])
}

// Client abstracts the card reader. Implementations own all interaction
// with the device; callers see the taxonomy above and nothing lower.
//
// Clients are not safe for concurrent use. The bridge session is the single
// owner and serializes every call.
type Client interface {
	// Probe reports reader and card presence. Cheap and poll-safe: absence
	// is a result, not an error. Only adapter-level failures error.
	Probe() (Status, error)

	// ReadCard reads serial, counter, balance and key id of the inserted card.
	ReadCard() (CardState, error)

	// ComputeSeal runs one seal transaction against the card named by state.
	// The counter increment and the MAC computation are a single card
	// transaction: there is no software-side read-modify-write gap that card
	// removal could interrupt. Returns ErrCardRemoved if the card no longer
	// matches state.
	ComputeSeal(state CardState, req seal.Request) (seal.Result, error)

	Close() error
}
