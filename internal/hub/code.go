package hub

import (
	"math/rand/v2"
	"strings"
)

const (
	codeAlphabet   = "0123456789abcdefghijklmnopqrstuvwxyz"
	codeGroups     = 3
	codeGroupChars = 4
)

// generateCode produces a broadcast code of three dash-joined groups of four
// base36 characters, e.g. "x7k2-9pqa-m3n8". Uniqueness against live sessions
// is the caller's job.
func generateCode() string {
	var b strings.Builder
	b.Grow(codeGroups*codeGroupChars + codeGroups - 1)
	for g := 0; g < codeGroups; g++ {
		if g > 0 {
			b.WriteByte('-')
		}
		for i := 0; i < codeGroupChars; i++ {
			b.WriteByte(codeAlphabet[rand.IntN(len(codeAlphabet))])
		}
	}
	return b.String()
}
