package certificate

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"strings"
)

// FingerprintLength is the hex length of a certificate id.
const FingerprintLength = sha256.Size * 2

// Multiformat prefixes for a CIDv1 over raw bytes with a sha2-256 multihash.
const (
	cidVersion1     = 0x01
	codecRaw        = 0x55
	multihashSHA2   = 0x12
	multibaseBase32 = "b"
)

var cidEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint derives the certificate id from its descriptive content and the
// digest of its artifact. Fields are trimmed so incidental whitespace from
// form input does not change the id.
func Fingerprint(uid, candidate, course, org, pdfSHA256 string) string {
	parts := []string{
		strings.TrimSpace(uid),
		strings.TrimSpace(candidate),
		strings.TrimSpace(course),
		strings.TrimSpace(org),
		strings.ToLower(strings.TrimSpace(pdfSHA256)),
	}
	return SHA256Hex([]byte(strings.Join(parts, "|")))
}

// IsFingerprint reports whether s is a well formed certificate id.
func IsFingerprint(s string) bool {
	if len(s) != FingerprintLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// NormalizeFingerprint trims and lowercases an id candidate. It does not validate.
func NormalizeFingerprint(s string) string {
	trimmed := strings.TrimSpace(s)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	return strings.ToLower(trimmed)
}

// ComputeCID returns the CIDv1 (raw codec, sha2-256) of data in multibase
// base32, the form IPFS reports for raw leaves.
func ComputeCID(data []byte) string {
	sum := sha256.Sum256(data)
	buf := make([]byte, 0, 4+len(sum))
	buf = append(buf, cidVersion1, codecRaw, multihashSHA2, byte(len(sum)))
	buf = append(buf, sum[:]...)
	return multibaseBase32 + strings.ToLower(cidEncoding.EncodeToString(buf))
}
