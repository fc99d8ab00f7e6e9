// Package account runs the redemption pipeline of one storefront account:
// session restore or login, then passes scheduled until nothing is pending.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tendant/keyclaim/internal/config"
	"github.com/tendant/keyclaim/internal/scheduler"
	"github.com/tendant/keyclaim/internal/twofactor"
	"github.com/tendant/keyclaim/pkg/clock"
	"github.com/tendant/keyclaim/pkg/domain"
	"github.com/tendant/keyclaim/pkg/ownership"
	"github.com/tendant/keyclaim/pkg/redeem"
	"github.com/tendant/keyclaim/pkg/repository"
	"github.com/tendant/keyclaim/pkg/storefront"
)

// Phase is the lifecycle state of a pipeline.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseStarting Phase = "starting"
	PhaseRunning  Phase = "running"
	PhaseFailed   Phase = "failed"
	PhaseDisabled Phase = "disabled"
	PhaseStopped  Phase = "stopped"
)

// ErrNotRunning is returned by Trigger before a successful Start.
var ErrNotRunning = errors.New("account pipeline is not running")

// Options wires a pipeline.
type Options struct {
	Account config.AccountConfig

	BaseURL   string
	UserAgent string
	Timeout   time.Duration

	Store repository.Store
	// Sink receives engine events in addition to the log.
	Sink redeem.Sink
	// Ownership overrides the facts configured for the account.
	Ownership ownership.Provider

	TwoFactorTimeout time.Duration
	// Terminal, when set, is asked for a code after the control API.
	Terminal *twofactor.Terminal

	Logger    *slog.Logger
	Transport http.RoundTripper
	Sleep     clock.Sleeper
	Now       clock.Now
}

// Pipeline is the per-account context: client, state, engine and worker.
// Nothing in it is shared with other accounts.
type Pipeline struct {
	opts   Options
	name   string
	client *storefront.Client
	codes  *twofactor.Channel
	store  repository.Store
	logger *slog.Logger

	mu        sync.Mutex
	phase     Phase
	lastErr   error
	lastLogin *time.Time
	state     *domain.State
	engine    *redeem.Engine
	worker    *scheduler.Worker
}

// Status is a snapshot of a pipeline for the control API.
type Status struct {
	Name         string     `json:"name"`
	Phase        Phase      `json:"phase"`
	LoggedIn     bool       `json:"logged_in"`
	AwaitingCode bool       `json:"awaiting_code"`
	Error        string     `json:"error,omitempty"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
	LastPass     *PassInfo  `json:"last_pass,omitempty"`
	NextPass     *time.Time `json:"next_pass,omitempty"`
}

// PassInfo summarizes the most recent pass.
type PassInfo struct {
	ID       string    `json:"id"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Revealed int       `json:"revealed"`
	Failed   int       `json:"failed"`
	Pending  int       `json:"pending"`
}

// New creates a pipeline. It does not touch the network.
func New(opts Options) (*Pipeline, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("account %s: state store is required", opts.Account.Name)
	}
	if opts.TwoFactorTimeout <= 0 {
		opts.TwoFactorTimeout = 5 * time.Minute
	}
	logger := opts.Logger.With("account", opts.Account.Name)

	codes := twofactor.NewChannel(opts.TwoFactorTimeout)
	sources := twofactor.Chain{twofactor.Static(opts.Account.TwoFactorCode)}
	if opts.Account.TOTPSecret != "" {
		totp, err := twofactor.NewTOTP(opts.Account.TOTPSecret)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", opts.Account.Name, err)
		}
		sources = append(sources, totp)
	}
	sources = append(sources, codes)
	if opts.Terminal != nil {
		sources = append(sources, opts.Terminal.For(opts.Account.Name))
	}

	client, err := storefront.New(storefront.Config{
		BaseURL:        opts.BaseURL,
		UserAgent:      opts.UserAgent,
		Timeout:        opts.Timeout,
		Platform:       opts.Account.Platform,
		ExcludedOrders: opts.Account.ExcludedOrders,
		BulkFetch:      opts.Account.BulkFetch,
		BulkChunkSize:  opts.Account.BulkChunkSize,
		FetchDelay:     opts.Account.FetchDelay,
		TwoFactor:      sources,
		Logger:         logger,
		Sleep:          opts.Sleep,
		Now:            opts.Now,
		Transport:      opts.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", opts.Account.Name, err)
	}

	phase := PhaseIdle
	if !opts.Account.Enabled {
		phase = PhaseDisabled
	}
	return &Pipeline{
		opts:   opts,
		name:   opts.Account.Name,
		client: client,
		codes:  codes,
		store:  opts.Store,
		logger: logger,
		phase:  phase,
	}, nil
}

// Name returns the account name.
func (p *Pipeline) Name() string {
	return p.name
}

// Start restores the stored session or logs in, then starts the worker,
// which runs a first pass immediately. An authentication failure leaves the
// pipeline failed and is returned; other accounts are unaffected.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.phase == PhaseDisabled {
		p.mu.Unlock()
		p.logger.Info("account disabled, not starting")
		return nil
	}
	if p.phase == PhaseRunning || p.phase == PhaseStarting {
		p.mu.Unlock()
		return nil
	}
	p.phase = PhaseStarting
	p.mu.Unlock()

	state, err := p.store.Load(ctx, p.name)
	if err != nil {
		return p.fail(fmt.Errorf("failed to load state: %w", err))
	}

	if !p.client.Restore(ctx, state.Cookie) {
		if err := p.login(ctx, state); err != nil {
			return p.fail(err)
		}
	}

	acct := p.opts.Account
	facts := p.opts.Ownership
	if facts == nil {
		facts = ownership.NewStatic(acct.OwnedApps, acct.Region)
	}
	sink := redeem.Sink(redeem.LogSink{Logger: p.logger})
	if p.opts.Sink != nil {
		sink = redeem.MultiSink{sink, p.opts.Sink}
	}
	engine := redeem.NewEngine(redeem.Config{
		Account:      p.name,
		Storefront:   p.client,
		Choice:       p.client,
		Ownership:    facts,
		Store:        p.store,
		Sink:         sink,
		RevealChoice: acct.RevealChoice,
		AutoPay:      acct.AutoPayChoice,
		Pacing:       acct.Pacing,
		Policy: redeem.Policy{
			IgnoreRegion:         acct.IgnoreRegion,
			RevealIgnoringRegion: acct.RevealIgnoringRegion,
			GiftOwned:            acct.GiftOwned,
			SkipUnknown:          acct.SkipUnknown,
			RequireExpiry:        acct.RequireExpiry,
			BlacklistApps:        acct.BlacklistApps,
			BlacklistNames:       acct.BlacklistNames,
			WithholdApps:         acct.WithholdApps,
			WithholdAutoPaid:     acct.WithholdAutoPaid,
		},
		Logger: p.logger,
		Sleep:  p.opts.Sleep,
		Now:    p.opts.Now,
	}, state)
	worker := scheduler.New(p.name, acct.RetryInterval, p.runPass, p.logger)

	p.mu.Lock()
	if p.lastLogin == nil && state.LastLogin != nil {
		t := *state.LastLogin
		p.lastLogin = &t
	}
	p.state = state
	p.engine = engine
	p.worker = worker
	p.phase = PhaseRunning
	p.lastErr = nil
	p.mu.Unlock()

	worker.Start()
	p.logger.Info("account pipeline started", "retry_interval", acct.RetryInterval)
	return nil
}

func (p *Pipeline) fail(err error) error {
	p.mu.Lock()
	p.phase = PhaseFailed
	p.lastErr = err
	p.mu.Unlock()
	p.logger.Error("account pipeline failed to start", "error", err)
	return fmt.Errorf("account %s: %w", p.name, err)
}

// login authenticates and persists the new session cookie.
func (p *Pipeline) login(ctx context.Context, state *domain.State) error {
	err := p.client.Login(ctx, storefront.Credentials{
		Username: p.opts.Account.Username,
		Password: p.opts.Account.Password,
	})
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	now := time.Now()
	if p.opts.Now != nil {
		now = p.opts.Now()
	}
	state.Cookie = p.client.SessionCookie()
	state.LastLogin = &now
	p.mu.Lock()
	p.lastLogin = &now
	p.mu.Unlock()
	if err := p.store.Save(ctx, p.name, state); err != nil {
		p.logger.Warn("failed to persist session", "error", err)
	}
	return nil
}

// runPass is the worker's pass. A lost session is re-established before the
// next pass; the error keeps the worker retrying.
func (p *Pipeline) runPass(ctx context.Context) (int, error) {
	p.mu.Lock()
	engine, state, lastErr := p.engine, p.state, p.lastErr
	p.mu.Unlock()

	// A transport failure may have hidden a dropped session.
	if p.client.LoggedIn() && errors.Is(lastErr, domain.ErrTransport) && !p.client.Verify(ctx) {
		p.logger.Warn("session did not survive the last failed pass")
	}
	if !p.client.LoggedIn() {
		if err := p.login(ctx, state); err != nil {
			p.setError(err)
			return 0, err
		}
	}

	res, err := engine.RunPass(ctx)
	if err != nil && domain.IsSessionLost(err) {
		p.logger.Warn("session lost during pass, logging in again")
		if loginErr := p.login(ctx, state); loginErr != nil {
			err = errors.Join(err, loginErr)
		}
	}
	p.setError(err)
	return res.Pending, err
}

func (p *Pipeline) setError(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}

// Trigger requests an immediate pass.
func (p *Pipeline) Trigger() error {
	p.mu.Lock()
	worker, phase := p.worker, p.phase
	p.mu.Unlock()
	if worker == nil || phase != PhaseRunning {
		return ErrNotRunning
	}
	worker.Trigger()
	return nil
}

// SubmitCode hands a two-factor code to a pending or upcoming login.
func (p *Pipeline) SubmitCode(code string) error {
	return p.codes.Submit(code)
}

// Stop stops scheduling passes and waits for an in-flight pass.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	worker := p.worker
	if p.phase == PhaseRunning {
		p.phase = PhaseStopped
	}
	p.mu.Unlock()
	if worker != nil {
		worker.Stop()
	}
}

// Status returns a snapshot of the pipeline.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		Name:         p.name,
		Phase:        p.phase,
		LoggedIn:     p.client.LoggedIn(),
		AwaitingCode: p.codes.Waiting(),
	}
	if p.lastErr != nil {
		st.Error = p.lastErr.Error()
	}
	if p.lastLogin != nil {
		t := *p.lastLogin
		st.LastLogin = &t
	}
	if p.engine != nil {
		if last := p.engine.LastPass(); last != nil {
			st.LastPass = &PassInfo{
				ID:       last.ID,
				Started:  last.Started,
				Finished: last.Finished,
				Revealed: last.Revealed(),
				Failed:   last.Failed(),
				Pending:  last.Pending,
			}
		}
	}
	if p.worker != nil {
		if next := p.worker.Status().NextPass; !next.IsZero() {
			st.NextPass = &next
		}
	}
	return st
}
