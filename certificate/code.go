package certificate

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CodeLength is the fixed length of a verification code.
const CodeLength = 8

// codeAlphabet omits glyphs that are easily confused when read aloud or typed
// from print (0/O, 1/I/L). Validation still accepts the full A-Z0-9 range so
// older codes keep resolving.
const codeAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// NormalizeCode canonicalises user supplied verification codes. The same
// function runs when codes are written and when they are looked up.
func NormalizeCode(raw string) string {
	folded := norm.NFKC.String(raw)
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case r == '-' || r == ' ' || r == '\t' || r == '\n' || r == '\r':
			continue
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidCode reports whether code is a normalized verification code.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if !((c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}

// NewCode draws a random verification code.
func NewCode() (string, error) {
	return newCode(rand.Reader)
}

// newCode maps random bytes onto the alphabet, rejecting bytes at or above
// the largest multiple of the alphabet size so every symbol is equally likely.
func newCode(r io.Reader) (string, error) {
	limit := 256 - 256%len(codeAlphabet)
	out := make([]byte, 0, CodeLength)
	buf := make([]byte, CodeLength)
	for len(out) < CodeLength {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("certificate: read random: %w", err)
		}
		for _, v := range buf {
			if int(v) >= limit {
				continue
			}
			out = append(out, codeAlphabet[int(v)%len(codeAlphabet)])
			if len(out) == CodeLength {
				break
			}
		}
	}
	return string(out), nil
}
