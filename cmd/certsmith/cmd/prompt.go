package cmd

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/jmcleod/certsmith/internal/util"
	"github.com/jmcleod/certsmith/secret"
)

var stdin = bufio.NewReader(os.Stdin)

// caPasswordFile is shared by every command that unlocks the CA.
var caPasswordFile string

// caPassword caches the CA password so it is asked at most once per process.
var caPassword = &cachedProvider{}

// caPasswordProvider returns the CA password source for this invocation.
func caPasswordProvider() secret.Provider {
	var src secret.Provider = terminalPrompt{}
	if caPasswordFile != "" {
		src = secret.FromFile(caPasswordFile)
	}
	return caPassword.wrap(src)
}

// cachedProvider asks its source once and hands out clones afterwards.
type cachedProvider struct {
	mu     sync.Mutex
	secret *secret.Secret
}

func (c *cachedProvider) wrap(src secret.Provider) secret.Provider {
	return secret.ProviderFunc(func(ctx context.Context, prompt string) (*secret.Secret, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.secret == nil {
			s, err := src.Password(ctx, prompt)
			if err != nil {
				return nil, err
			}
			c.secret = s
		}
		return c.secret.Clone()
	})
}

func (c *cachedProvider) forget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secret.Destroy()
	c.secret = nil
}

// terminalPrompt reads a password with echo disabled when stdin is a
// terminal, or a single line from stdin otherwise.
type terminalPrompt struct {
	confirm bool
}

func (p terminalPrompt) Password(ctx context.Context, prompt string) (*secret.Secret, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := readSecret(ctx, prompt)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(b)

	if p.confirm {
		again, err := readSecret(ctx, "Confirm password")
		if err != nil {
			return nil, err
		}
		match := subtle.ConstantTimeCompare(b, again) == 1
		util.WipeBytes(again)
		if !match {
			return nil, errors.New("passwords do not match")
		}
	}
	return secret.New(util.NormalizeBytes(b)), nil
}

// readSecret reads one password. It returns ctx.Err() as soon as ctx is
// done, restoring the terminal state that ReadPassword changed.
func readSecret(ctx context.Context, prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, _ := term.GetState(fd)
		fmt.Fprintf(os.Stderr, "%s: ", prompt)
		b, err := awaitRead(ctx, func() ([]byte, error) {
			return term.ReadPassword(fd)
		}, func() {
			if state != nil {
				_ = term.Restore(fd, state)
			}
		})
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return awaitRead(ctx, readLine, nil)
}

func readLine() ([]byte, error) {
	line, err := stdin.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		util.WipeBytes(line)
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

type readResult struct {
	b   []byte
	err error
}

// awaitRead runs read in the background. When ctx is done first it calls
// abandon and returns ctx.Err(); whatever read returns later is wiped.
func awaitRead(ctx context.Context, read func() ([]byte, error), abandon func()) ([]byte, error) {
	ch := make(chan readResult, 1)
	go func() {
		b, err := read()
		ch <- readResult{b: b, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("reading password: %w", r.err)
		}
		return r.b, nil
	case <-ctx.Done():
		if abandon != nil {
			abandon()
		}
		go func() { util.WipeBytes((<-ch).b) }()
		return nil, ctx.Err()
	}
}

// promptLine asks for one line of input on stderr and reads it from stdin.
func promptLine(prompt string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	line, err := stdin.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
