// internal/reader/pcsc/apdu_test.go
package pcsc

import (
	"bytes"
	"testing"
	"time"

	"github.com/biglietteria/sigillo-bridge/internal/seal"
)

func TestAPDUFraming(t *testing.T) {
	if got := apduSelect(0x3f00); !bytes.Equal(got, []byte{0x00, 0xa4, 0x00, 0x00, 0x02, 0x3f, 0x00}) {
		t.Fatalf("select MF: % x", got)
	}
	if got := apduReadBinary(0x0012, 8); !bytes.Equal(got, []byte{0x00, 0xb0, 0x00, 0x12, 0x08}) {
		t.Fatalf("read binary: % x", got)
	}
	if got := apduReadCounter(); !bytes.Equal(got, []byte{0x00, 0x32, 0x00, 0x01, 0x04}) {
		t.Fatalf("read counter: % x", got)
	}
	if got := apduReadRecord(3, 1); !bytes.Equal(got, []byte{0x00, 0xb2, 0x03, 0x04, 0x01}) {
		t.Fatalf("read record: % x", got)
	}
}

func TestAPDUComputeSigillo(t *testing.T) {
	serial := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	ch := seal.Challenge(serial, seal.Request{
		PriceCents: 1000,
		Timestamp:  time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	})

	apdu := apduComputeSigillo(ch[:])
	if len(apdu) != 5+seal.ChallengeSize+1 {
		t.Fatalf("apdu length %d", len(apdu))
	}
	if !bytes.Equal(apdu[0:4], []byte{0x00, 0x32, 0x83, 0x12}) {
		t.Fatalf("header: % x", apdu[0:4])
	}
	if apdu[4] != seal.ChallengeSize {
		t.Fatalf("Lc = %d", apdu[4])
	}
	if !bytes.Equal(apdu[5:5+seal.ChallengeSize], ch[:]) {
		t.Fatal("challenge bytes not passed through verbatim")
	}
	if apdu[len(apdu)-1] != sealRespLen {
		t.Fatalf("Le = %d", apdu[len(apdu)-1])
	}
}
