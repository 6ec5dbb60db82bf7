// internal/reader/pcsc/client.go
package pcsc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ebfe/scard"

	"github.com/biglietteria/sigillo-bridge/internal/reader"
	"github.com/biglietteria/sigillo-bridge/internal/seal"
)

// Card application file identifiers and APDU geometry of the fiscal card.
// Protocol-locked, not configurable.
const (
	fidMF         uint16 = 0x3f00
	fidAppDomain  uint16 = 0x0000
	fidP11Domain  uint16 = 0x1111
	fidCntDomain  uint16 = 0x1112
	fidEFCounter  uint16 = 0x1000
	fidEFBalance  uint16 = 0x1001
	fidEFGDO      uint16 = 0x2f02
	fidEFKeyTable uint16 = 0x5f02

	swOK uint16 = 0x9000

	serialOffset = 18 // serial lives at EF_GDO[18:26]
	sealRespLen  = 12 // counter(4) + mac(8)
)

// Client implements reader.Client over the PC/SC stack.
// This adapter is protocol-only: it frames APDUs, unpacks responses, and maps
// every failure to the reader taxonomy. Not safe for concurrent use; the
// bridge session serializes all calls.
type Client struct {
	ctx  *scard.Context
	slot int
}

// Config selects the reader slot (0-based, as the vendor stack numbers them).
type Config struct {
	Slot int
}

// New establishes the PC/SC context. Failure here means the smart-card
// service itself is unavailable.
func New(cfg Config) (*Client, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("%w: establish context: %v", reader.ErrReaderUnavailable, err)
	}
	return &Client{ctx: ctx, slot: cfg.Slot}, nil
}

// Close releases the PC/SC context.
func (c *Client) Close() error {
	if c == nil || c.ctx == nil {
		return nil
	}
	return c.ctx.Release()
}

// ---- reader.Client ----

// Probe reports presence without touching the card. Absence of reader or
// card is a result; only a dead PC/SC stack is an error.
func (c *Client) Probe() (reader.Status, error) {
	readers, err := c.ctx.ListReaders()
	if err != nil {
		if errors.Is(err, scard.ErrNoReadersAvailable) {
			return reader.Status{Slot: c.slot}, nil
		}
		return reader.Status{}, fmt.Errorf("%w: list readers: %v", reader.ErrReaderUnavailable, err)
	}
	if c.slot >= len(readers) {
		return reader.Status{Slot: c.slot}, nil
	}

	states := []scard.ReaderState{{
		Reader:       readers[c.slot],
		CurrentState: scard.StateUnaware,
	}}
	if err := c.ctx.GetStatusChange(states, 0); err != nil {
		return reader.Status{}, fmt.Errorf("%w: status change: %v", reader.ErrReaderUnavailable, err)
	}

	return reader.Status{
		ReaderPresent: true,
		CardPresent:   states[0].EventState&scard.StatePresent != 0,
		Slot:          c.slot,
	}, nil
}

// ReadCard reads serial, counter, balance and key id in one card transaction.
func (c *Client) ReadCard() (reader.CardState, error) {
	card, err := c.connect(reader.ErrCardAbsent)
	if err != nil {
		return reader.CardState{}, err
	}
	defer disconnect(card)

	if err := card.BeginTransaction(); err != nil {
		return reader.CardState{}, mapSCardErr(err, reader.ErrCardAbsent)
	}
	defer endTransaction(card)

	serial, err := c.readSerial(card)
	if err != nil {
		return reader.CardState{}, err
	}
	counter, err := c.readCounterFile(card, fidEFCounter)
	if err != nil {
		return reader.CardState{}, err
	}
	balance, err := c.readCounterFile(card, fidEFBalance)
	if err != nil {
		return reader.CardState{}, err
	}

	// Key id is informational; an unreadable key table is not a read failure.
	keyID, _ := c.readKeyID(card)

	return reader.CardState{
		Serial:      reader.SerialString(serial),
		SerialBytes: serial,
		Counter:     counter,
		Balance:     balance,
		KeyID:       keyID,
		Slot:        c.slot,
	}, nil
}

// ComputeSeal runs the COMPUTE SIGILLO APDU inside one card transaction.
// Presence re-check, counter increment and MAC happen under card ownership,
// so a concurrent removal yields ErrCardRemoved, never a torn seal.
func (c *Client) ComputeSeal(state reader.CardState, req seal.Request) (seal.Result, error) {
	card, err := c.connect(reader.ErrCardRemoved)
	if err != nil {
		return seal.Result{}, err
	}
	defer disconnect(card)

	if err := card.BeginTransaction(); err != nil {
		return seal.Result{}, mapSCardErr(err, reader.ErrCardRemoved)
	}
	defer endTransaction(card)

	serial, err := c.readSerial(card)
	if err != nil {
		if errors.Is(err, reader.ErrCardAbsent) {
			return seal.Result{}, reader.ErrCardRemoved
		}
		return seal.Result{}, err
	}
	if serial != state.SerialBytes {
		return seal.Result{}, reader.ErrCardRemoved
	}

	if err := c.selectCounterFile(card, fidEFCounter); err != nil {
		return seal.Result{}, err
	}

	challenge := seal.Challenge(state.SerialBytes, req)
	resp, err := c.transmit(card, apduComputeSigillo(challenge[:]), reader.ErrCardRemoved)
	if err != nil {
		return seal.Result{}, err
	}
	if len(resp) != sealRespLen {
		return seal.Result{}, fmt.Errorf("%w: seal response length %d", reader.ErrHardwareFault, len(resp))
	}

	res := seal.Result{
		Serial:  state.Serial,
		Counter: binary.BigEndian.Uint32(resp[0:4]),
	}
	copy(res.MAC[:], resp[4:12])
	return res, nil
}

// ---- card access helpers ----

func (c *Client) connect(absent error) (*scard.Card, error) {
	readers, err := c.ctx.ListReaders()
	if err != nil {
		if errors.Is(err, scard.ErrNoReadersAvailable) {
			return nil, reader.ErrReaderUnavailable
		}
		return nil, fmt.Errorf("%w: list readers: %v", reader.ErrReaderUnavailable, err)
	}
	if c.slot >= len(readers) {
		return nil, reader.ErrReaderUnavailable
	}

	card, err := c.ctx.Connect(readers[c.slot], scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return nil, mapSCardErr(err, absent)
	}
	return card, nil
}

func (c *Client) readSerial(card *scard.Card) ([8]byte, error) {
	var serial [8]byte

	if err := c.selectFile(card, fidMF); err != nil {
		return serial, err
	}
	if err := c.selectFile(card, fidEFGDO); err != nil {
		return serial, err
	}

	gdo, err := c.transmit(card, apduReadBinary(0, serialOffset+8), reader.ErrCardAbsent)
	if err != nil {
		return serial, err
	}
	if len(gdo) < serialOffset+8 {
		return serial, fmt.Errorf("%w: short gdo read (%d bytes)", reader.ErrHardwareFault, len(gdo))
	}
	copy(serial[:], gdo[serialOffset:serialOffset+8])
	return serial, nil
}

// selectCounterFile walks MF -> app domain -> counter domain -> fid.
func (c *Client) selectCounterFile(card *scard.Card, fid uint16) error {
	for _, f := range []uint16{fidMF, fidAppDomain, fidCntDomain, fid} {
		if err := c.selectFile(card, f); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) readCounterFile(card *scard.Card, fid uint16) (uint32, error) {
	if err := c.selectCounterFile(card, fid); err != nil {
		return 0, err
	}
	resp, err := c.transmit(card, apduReadCounter(), reader.ErrCardAbsent)
	if err != nil {
		return 0, err
	}
	if len(resp) != 4 {
		return 0, fmt.Errorf("%w: counter response length %d", reader.ErrHardwareFault, len(resp))
	}
	return binary.BigEndian.Uint32(resp), nil
}

// readKeyID scans the key status table for the active key, as the vendor
// library does: record index n with status 1 means key id 128+n.
func (c *Client) readKeyID(card *scard.Card) (byte, error) {
	for _, f := range []uint16{fidMF, fidAppDomain, fidP11Domain, fidEFKeyTable} {
		if err := c.selectFile(card, f); err != nil {
			return 0, err
		}
	}
	for n := 1; n <= 16; n++ {
		resp, err := c.transmit(card, apduReadRecord(byte(n), 1), reader.ErrCardAbsent)
		if err != nil {
			return 0, err
		}
		if len(resp) >= 1 && resp[0] == 1 {
			return byte(128 + n), nil
		}
	}
	return 0, nil
}

func (c *Client) selectFile(card *scard.Card, fid uint16) error {
	_, err := c.transmit(card, apduSelect(fid), reader.ErrCardAbsent)
	return err
}

// transmit sends one APDU and returns the response payload after checking
// the status word. absent is the taxonomy error for a gone card in the
// caller's phase (ErrCardAbsent during reads, ErrCardRemoved during seals).
func (c *Client) transmit(card *scard.Card, apdu []byte, absent error) ([]byte, error) {
	resp, err := card.Transmit(apdu)
	if err != nil {
		return nil, mapSCardErr(err, absent)
	}
	if len(resp) < 2 {
		return nil, fmt.Errorf("%w: short apdu response", reader.ErrHardwareFault)
	}

	sw := uint16(resp[len(resp)-2])<<8 | uint16(resp[len(resp)-1])
	if sw != swOK {
		return nil, fmt.Errorf("%w: status word 0x%04x", reader.ErrHardwareFault, sw)
	}
	return resp[:len(resp)-2], nil
}

func endTransaction(card *scard.Card) {
	_ = card.EndTransaction(scard.LeaveCard)
}

func disconnect(card *scard.Card) {
	_ = card.Disconnect(scard.LeaveCard)
}

// mapSCardErr converts PC/SC errors to the reader taxonomy. absent is used
// for no-card/removed-card conditions so callers can distinguish a card that
// was never there from one that left mid-operation.
func mapSCardErr(err error, absent error) error {
	switch {
	case errors.Is(err, scard.ErrNoSmartcard),
		errors.Is(err, scard.ErrRemovedCard),
		errors.Is(err, scard.ErrResetCard):
		return absent
	case errors.Is(err, scard.ErrNoService),
		errors.Is(err, scard.ErrNoReadersAvailable),
		errors.Is(err, scard.ErrReaderUnavailable),
		errors.Is(err, scard.ErrUnknownReader):
		return reader.ErrReaderUnavailable
	default:
		return fmt.Errorf("%w: %v", reader.ErrHardwareFault, err)
	}
}
