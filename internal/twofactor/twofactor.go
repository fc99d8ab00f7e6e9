// Package twofactor provides the sources a login can ask for a second-factor
// code: a fixed code, a TOTP secret, the control API and the terminal.
package twofactor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const totpPeriod = 30

// ErrNoCode is returned when a source has no code to offer.
var ErrNoCode = errors.New("no two-factor code available")

// Provider supplies a code on demand.
type Provider interface {
	Code(ctx context.Context) (string, error)
}

// Static always returns the same code. An empty code offers nothing.
type Static string

// Code returns the fixed code.
func (s Static) Code(context.Context) (string, error) {
	code := strings.TrimSpace(string(s))
	if code == "" {
		return "", ErrNoCode
	}
	return code, nil
}

// TOTP derives codes from a shared base32 secret.
type TOTP struct {
	secret string
	now    func() time.Time
}

// NewTOTP validates secret by deriving a code from it.
func NewTOTP(secret string) (*TOTP, error) {
	t := &TOTP{secret: strings.ToUpper(strings.ReplaceAll(secret, " ", "")), now: time.Now}
	if _, err := t.generate(t.now()); err != nil {
		return nil, fmt.Errorf("invalid TOTP secret: %w", err)
	}
	return t, nil
}

// Code returns the code for the current time step.
func (t *TOTP) Code(context.Context) (string, error) {
	return t.generate(t.now())
}

func (t *TOTP) generate(at time.Time) (string, error) {
	return totp.GenerateCodeCustom(t.secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}

// Channel hands over codes submitted from elsewhere, typically the control
// API. A code submitted before anyone asks is kept until the next request.
type Channel struct {
	codes   chan string
	timeout time.Duration
	waiting atomic.Bool
}

// NewChannel creates a channel source that waits up to timeout per request.
func NewChannel(timeout time.Duration) *Channel {
	return &Channel{codes: make(chan string, 1), timeout: timeout}
}

// Submit offers a code, replacing one that was not consumed yet.
func (c *Channel) Submit(code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrNoCode
	}
	for {
		select {
		case c.codes <- code:
			return nil
		default:
		}
		select {
		case <-c.codes:
		default:
		}
	}
}

// Waiting reports whether a login is currently blocked on this channel.
func (c *Channel) Waiting() bool {
	return c.waiting.Load()
}

// Code waits for a submitted code.
func (c *Channel) Code(ctx context.Context) (string, error) {
	c.waiting.Store(true)
	defer c.waiting.Store(false)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case code := <-c.codes:
		return code, nil
	case <-timer.C:
		return "", ErrNoCode
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Terminal prompts on an interactive terminal. Prompts of different
// accounts are serialized since they share one input.
type Terminal struct {
	mu      sync.Mutex
	in      io.Reader
	out     io.Writer
	timeout time.Duration

	once  sync.Once
	lines chan string
}

// NewTerminal creates a prompt over in and out.
func NewTerminal(in io.Reader, out io.Writer, timeout time.Duration) *Terminal {
	return &Terminal{in: in, out: out, timeout: timeout, lines: make(chan string)}
}

// For returns a provider that names account in its prompt.
func (t *Terminal) For(account string) Provider {
	return terminalPrompt{t: t, account: account}
}

// readLines feeds input lines to whichever prompt is waiting.
func (t *Terminal) readLines() {
	scanner := bufio.NewScanner(t.in)
	for scanner.Scan() {
		t.lines <- scanner.Text()
	}
	close(t.lines)
}

type terminalPrompt struct {
	t       *Terminal
	account string
}

func (p terminalPrompt) Code(ctx context.Context) (string, error) {
	p.t.mu.Lock()
	defer p.t.mu.Unlock()
	p.t.once.Do(func() { go p.t.readLines() })

	fmt.Fprintf(p.t.out, "Two-factor code for %s: ", p.account)

	timer := time.NewTimer(p.t.timeout)
	defer timer.Stop()
	select {
	case text, ok := <-p.t.lines:
		code := strings.TrimSpace(text)
		if !ok || code == "" {
			return "", ErrNoCode
		}
		return code, nil
	case <-timer.C:
		return "", ErrNoCode
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Chain asks each provider in order and returns the first code.
type Chain []Provider

// Code returns the first code offered, or ErrNoCode.
func (c Chain) Code(ctx context.Context) (string, error) {
	for _, p := range c {
		code, err := p.Code(ctx)
		if err == nil && code != "" {
			return code, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", ErrNoCode
}
