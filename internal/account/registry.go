package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrUnknownAccount is returned for names that are not configured.
var ErrUnknownAccount = errors.New("unknown account")

// Registry holds the pipelines of all configured accounts. It is built once
// and never modified, so lookups need no locking.
type Registry struct {
	order     []string
	pipelines map[string]*Pipeline
	logger    *slog.Logger
}

// NewRegistry creates a registry over pipelines, keeping their order.
func NewRegistry(pipelines []*Pipeline, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{pipelines: make(map[string]*Pipeline, len(pipelines)), logger: logger}
	for _, p := range pipelines {
		if _, dup := r.pipelines[p.Name()]; dup {
			return nil, fmt.Errorf("account %s registered twice", p.Name())
		}
		r.order = append(r.order, p.Name())
		r.pipelines[p.Name()] = p
	}
	return r, nil
}

// StartAll starts every pipeline concurrently. A failing account is logged
// and left stopped; the others keep running. It returns the number of
// accounts that failed to start.
func (r *Registry) StartAll(ctx context.Context) int {
	var (
		mu     sync.Mutex
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range r.order {
		p := r.pipelines[name]
		g.Go(func() error {
			if err := p.Start(gctx); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
			// One account failing must not cancel the others.
			return nil
		})
	}
	g.Wait()
	if failed > 0 {
		r.logger.Warn("some accounts failed to start", "failed", failed, "total", len(r.order))
	}
	return failed
}

// StopAll stops every pipeline and waits for in-flight passes.
func (r *Registry) StopAll() {
	var g errgroup.Group
	for _, name := range r.order {
		p := r.pipelines[name]
		g.Go(func() error {
			p.Stop()
			return nil
		})
	}
	g.Wait()
}

// Accounts returns the status of every account in configuration order.
func (r *Registry) Accounts() []Status {
	out := make([]Status, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.pipelines[name].Status())
	}
	return out
}

// Account returns the status of one account.
func (r *Registry) Account(name string) (Status, error) {
	p, ok := r.pipelines[name]
	if !ok {
		return Status{}, ErrUnknownAccount
	}
	return p.Status(), nil
}

// SubmitCode hands a two-factor code to an account.
func (r *Registry) SubmitCode(name, code string) error {
	p, ok := r.pipelines[name]
	if !ok {
		return ErrUnknownAccount
	}
	return p.SubmitCode(code)
}

// Trigger requests an immediate pass for an account.
func (r *Registry) Trigger(name string) error {
	p, ok := r.pipelines[name]
	if !ok {
		return ErrUnknownAccount
	}
	return p.Trigger()
}
