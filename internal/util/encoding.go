package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeBytes applies NFKD to b and returns a new slice.
func NormalizeBytes(b []byte) []byte {
	return norm.NFKD.Bytes(b)
}

// ColonHex renders b as upper-case hex octets joined by colons, the form
// openssl prints for fingerprints and serials.
func ColonHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(len(b)*3 - 1)
	const digits = "0123456789ABCDEF"
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteByte(digits[c>>4])
		sb.WriteByte(digits[c&0x0f])
	}
	return sb.String()
}
