package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"io"
)

const stateMACDomain = "pinguard-state-v1"

// stateMAC authenticates every field of r except UpdatedAt.
func stateMAC(key []byte, r *StateRecord) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(stateMACDomain))
	writeField(h, []byte(r.CardID))
	h.Write([]byte{byte(r.RetryCounter), r.Authenticated, r.Muted})
	writeField(h, r.ReferencePIN)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], r.TamperCount)
	h.Write(buf[:])
	return h.Sum(nil)
}

// writeField writes a length-prefixed field so that adjacent fields cannot
// be shifted into one another.
func writeField(w io.Writer, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	w.Write(n[:])
	w.Write(b)
}
