package secret

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/jmcleod/certsmith/internal/util"
)

// Provider supplies a password on demand. Implementations may block on a
// terminal; callers invoke them only from a single goroutine, before any
// concurrent work starts.
type Provider interface {
	Password(ctx context.Context, prompt string) (*Secret, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, prompt string) (*Secret, error)

func (f ProviderFunc) Password(ctx context.Context, prompt string) (*Secret, error) {
	return f(ctx, prompt)
}

// Static returns a Provider that hands out clones of s. The caller keeps
// ownership of s.
func Static(s *Secret) Provider {
	return ProviderFunc(func(ctx context.Context, _ string) (*Secret, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return s.Clone()
	})
}

// FromFile returns a Provider reading the first line of path on each call.
func FromFile(path string) Provider {
	return ProviderFunc(func(ctx context.Context, _ string) (*Secret, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading password file: %w", err)
		}
		defer util.WipeBytes(data)
		line := data
		if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
			line = data[:i]
		}
		if len(line) == 0 {
			return nil, errors.New("password file is empty")
		}
		return New(util.NormalizeBytes(line)), nil
	})
}

// Counting wraps a Provider and records how often it was called.
type Counting struct {
	Provider
	calls atomic.Int64
}

// NewCounting wraps p.
func NewCounting(p Provider) *Counting {
	return &Counting{Provider: p}
}

func (c *Counting) Password(ctx context.Context, prompt string) (*Secret, error) {
	c.calls.Add(1)
	return c.Provider.Password(ctx, prompt)
}

// Calls returns the number of Password invocations so far.
func (c *Counting) Calls() int64 {
	return c.calls.Load()
}
