// Package key generates, serialises and loads the private keys used for leaf
// certificates and for the issuing CA.
package key

import (
	"fmt"
	"strconv"
	"strings"
)

// Size is an RSA modulus length in bits.
type Size int

const (
	Size2048 Size = 2048
	Size3072 Size = 3072
	Size4096 Size = 4096
)

// DefaultSize is used when no size is configured.
const DefaultSize = Size4096

// Sizes lists the supported key sizes in ascending order.
var Sizes = []Size{Size2048, Size3072, Size4096}

// Valid reports whether s is a supported key size.
func (s Size) Valid() bool {
	switch s {
	case Size2048, Size3072, Size4096:
		return true
	default:
		return false
	}
}

func (s Size) String() string {
	return strconv.Itoa(int(s))
}

// ParseSize parses "4096" or "rsa4096" style values.
func ParseSize(v string) (Size, error) {
	v = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(v)), "rsa")
	v = strings.TrimPrefix(v, "-")
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing key size %q: %w", v, err)
	}
	s := Size(n)
	if !s.Valid() {
		return 0, fmt.Errorf("unsupported key size %d (want 2048, 3072 or 4096)", n)
	}
	return s, nil
}

func (s Size) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts anything ParseSize does. It also serves YAML scalars
// and JSON strings.
func (s *Size) UnmarshalText(b []byte) error {
	v, err := ParseSize(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// UnmarshalJSON accepts a bare number as well as a string.
func (s *Size) UnmarshalJSON(b []byte) error {
	if unquoted, err := strconv.Unquote(string(b)); err == nil {
		return s.UnmarshalText([]byte(unquoted))
	}
	return s.UnmarshalText(b)
}

func (s Size) MarshalJSON() ([]byte, error) {
	return []byte(s.String()), nil
}
