package verify

import "math/rand/v2"

// Codes are short enough to retype from a phone notification and drawn from
// an alphabet without lowercase so comparison can be case-insensitive.
const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6
)

func newCode() string {
	b := make([]byte, codeLength)
	for i := range b {
		b[i] = codeAlphabet[rand.IntN(len(codeAlphabet))]
	}
	return string(b)
}
