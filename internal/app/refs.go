package app

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// newRef generates a client-visible reference of the form PREFIX_AB12CD34EF56:
// a fixed prefix plus 12 upper-case hex characters from a CSPRNG.
func newRef(prefix string) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the platform entropy source is broken.
		panic("app: failed to read random bytes: " + err.Error())
	}
	return prefix + "_" + strings.ToUpper(hex.EncodeToString(buf))
}

func newTxnRef() string     { return newRef("TXN") }
func newMandateRef() string { return newRef("MND") }
func newRefundRef() string  { return newRef("REF") }
func newSettleRef() string  { return newRef("SET") }
