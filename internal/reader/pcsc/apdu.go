// internal/reader/pcsc/apdu.go
package pcsc

// APDU builders for the fiscal card application. Command headers follow the
// vendor command table: SELECT 00 A4, READ BINARY 00 B0, READ RECORD 00 B2,
// READ COUNTER 00 32 00 01, COMPUTE SIGILLO 00 32 83 12.

func apduSelect(fid uint16) []byte {
	return []byte{0x00, 0xa4, 0x00, 0x00, 0x02, byte(fid >> 8), byte(fid)}
}

func apduReadBinary(offset uint16, length byte) []byte {
	return []byte{0x00, 0xb0, byte(offset >> 8), byte(offset), length}
}

func apduReadRecord(rec byte, length byte) []byte {
	// P2 0x04: absolute record addressing.
	return []byte{0x00, 0xb2, rec, 0x04, length}
}

func apduReadCounter() []byte {
	return []byte{0x00, 0x32, 0x00, 0x01, 0x04}
}

// apduComputeSigillo wraps the 22-byte challenge; the card answers
// counter(4) + mac(8).
func apduComputeSigillo(challenge []byte) []byte {
	apdu := make([]byte, 0, 5+len(challenge)+1)
	apdu = append(apdu, 0x00, 0x32, 0x83, 0x12, byte(len(challenge)))
	apdu = append(apdu, challenge...)
	apdu = append(apdu, sealRespLen) // Le
	return apdu
}
