package redeem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/keyclaim/pkg/clock"
	"github.com/tendant/keyclaim/pkg/domain"
	"github.com/tendant/keyclaim/pkg/ownership"
)

const (
	// DefaultPacing separates consecutive reveal calls.
	DefaultPacing = time.Second
	// DefaultPollAttempts caps early payment status polls.
	DefaultPollAttempts = 10
)

// Storefront is the part of the storefront client a pass needs.
type Storefront interface {
	ListOrderIDs(ctx context.Context) ([]string, error)
	FetchKeyRecords(ctx context.Context, ids []string) map[string][]*domain.KeyRecord
	Reveal(ctx context.Context, machineName, orderID string, keyIndex int, asGift bool) (string, error)
}

// ChoiceStorefront is the subscription part of the storefront client.
type ChoiceStorefront interface {
	CurrentUnpaidPeriod(ctx context.Context) (*domain.PeriodInfo, error)
	PayEarly(ctx context.Context, productID, slug string) (string, error)
	PollPayment(ctx context.Context, jobID string, maxAttempts int) (string, error)
	FetchPeriod(ctx context.Context, slug string) (*domain.ChoiceModel, error)
	ChooseContent(ctx context.Context, gamekey, parentID string, itemIDs []string) error
	ChoiceOrders(ctx context.Context) ([]domain.ChoiceOrder, error)
}

// Store persists the account state.
type Store interface {
	Save(ctx context.Context, account string, st *domain.State) error
}

// Config wires an engine for one account.
type Config struct {
	Account    string
	Storefront Storefront
	// Choice is optional; without it subscription periods are ignored.
	Choice    ChoiceStorefront
	Ownership ownership.Provider
	Store     Store
	Sink      Sink
	Policy    Policy

	RevealChoice bool
	AutoPay      bool
	PollAttempts int
	Pacing       time.Duration

	Logger *slog.Logger
	Sleep  clock.Sleeper
	Now    clock.Now
}

// PassResult summarizes one pass.
type PassResult struct {
	ID              string
	Started         time.Time
	Finished        time.Time
	Classifications []domain.Classification
	Outcomes        []domain.RedemptionOutcome
	// Pending counts records that a later pass may still reveal.
	Pending int
}

// Revealed counts keys revealed by the pass. Keys that were terminal
// before the pass are not counted.
func (r PassResult) Revealed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.NewlyRevealed() {
			n++
		}
	}
	return n
}

// Failed counts outcomes that did not end with a value, including
// records skipped by their verdict.
func (r PassResult) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.Succeeded {
			n++
		}
	}
	return n
}

// Engine runs redemption passes over the state of one account. Passes are
// serialized; the state is only touched from within a pass.
type Engine struct {
	cfg    Config
	state  *domain.State
	logger *slog.Logger

	passMu sync.Mutex

	mu   sync.Mutex
	last *PassResult
}

// NewEngine creates an engine over state, which it mutates in place.
func NewEngine(cfg Config, state *domain.State) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = clock.Sleep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Pacing == 0 {
		cfg.Pacing = DefaultPacing
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = DefaultPollAttempts
	}
	if cfg.Sink == nil {
		cfg.Sink = LogSink{Logger: cfg.Logger}
	}
	if state == nil {
		state = &domain.State{}
	}
	return &Engine{
		cfg:    cfg,
		state:  state,
		logger: cfg.Logger.With("account", cfg.Account),
	}
}

// LastPass returns the result of the most recent completed pass, or nil.
func (e *Engine) LastPass() *PassResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return nil
	}
	cp := *e.last
	return &cp
}

// RunPass relists orders, fetches those not yet settled, evaluates every
// record and reveals the eligible ones. State is persisted once at the end.
// A returned error means the pass was cut short; the result still reports
// what was done.
func (e *Engine) RunPass(ctx context.Context) (PassResult, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	res := PassResult{ID: uuid.NewString(), Started: e.cfg.Now()}
	logger := e.logger.With("pass_id", res.ID)
	logger.Info("pass started")

	facts, err := e.cfg.Ownership.Facts(ctx)
	if err != nil {
		return e.finish(ctx, res, fmt.Errorf("failed to load ownership facts: %w", err))
	}

	if e.cfg.Choice != nil && e.cfg.AutoPay {
		if err := e.autoPay(ctx, logger); err != nil && domain.IsSessionLost(err) {
			return e.finish(ctx, res, err)
		}
	}
	if e.cfg.Choice != nil && e.cfg.RevealChoice {
		outcomes, err := e.processChoiceOrders(ctx, facts, logger)
		res.Outcomes = append(res.Outcomes, outcomes...)
		if err != nil {
			return e.finish(ctx, res, e.saveAfter(ctx, err))
		}
	}

	ids, err := e.cfg.Storefront.ListOrderIDs(ctx)
	if err != nil {
		return e.finish(ctx, res, e.saveAfter(ctx, fmt.Errorf("failed to list orders: %w", err)))
	}
	e.refresh(ctx, ids, logger)

	res.Classifications = Evaluate(e.state.Records, facts, e.cfg.Policy)
	for _, c := range res.Classifications {
		e.cfg.Sink.Classified(ctx, e.cfg.Account, c)
	}

	return e.finish(ctx, res, e.saveAfter(ctx, e.revealEligible(ctx, &res)))
}

// saveAfter persists the state at the end of a pass and returns err, or the
// save error when the pass itself succeeded.
func (e *Engine) saveAfter(ctx context.Context, err error) error {
	if saveErr := e.save(ctx); saveErr != nil {
		e.logger.Error("failed to persist state", "error", saveErr)
		if err == nil {
			return saveErr
		}
	}
	return err
}

func (e *Engine) finish(ctx context.Context, res PassResult, err error) (PassResult, error) {
	res.Finished = e.cfg.Now()
	for _, c := range res.Classifications {
		if c.Verdict.Pending() && !c.Record.Revealed() {
			res.Pending++
		}
	}
	if err != nil {
		e.logger.Warn("pass ended early", "pass_id", res.ID, "error", err)
	}

	e.mu.Lock()
	cp := res
	e.last = &cp
	e.mu.Unlock()

	e.cfg.Sink.PassCompleted(ctx, e.cfg.Account, res)
	return res, err
}

// refresh fetches orders that are new or still hold unrevealed records and
// merges them into the state.
func (e *Engine) refresh(ctx context.Context, ids []string, logger *slog.Logger) {
	var stale []string
	for _, id := range ids {
		if !e.state.HasOrder(id) || !e.state.OrderSettled(id) {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return
	}
	logger.Info("fetching orders", "count", len(stale), "known", len(ids)-len(stale))

	fetched := e.cfg.Storefront.FetchKeyRecords(ctx, stale)
	for _, id := range stale {
		records, ok := fetched[id]
		if !ok {
			continue
		}
		e.merge(id, records)
	}
}

// merge replaces the records of an order, keeping values revealed earlier.
func (e *Engine) merge(orderID string, fresh []*domain.KeyRecord) {
	previous := make(map[string]*domain.KeyRecord)
	kept := make([]*domain.KeyRecord, 0, len(e.state.Records)+len(fresh))
	for _, r := range e.state.Records {
		if r.OrderID == orderID {
			previous[r.Key()] = r
			continue
		}
		kept = append(kept, r)
	}

	autoPaid := e.state.IsAutoPaid(orderID)
	for _, r := range fresh {
		if old, ok := previous[r.Key()]; ok && old.Revealed() && !r.Revealed() {
			r.RevealedValue = old.RevealedValue
		}
		r.AutoPaid = r.AutoPaid || autoPaid
		kept = append(kept, r)
	}
	e.state.Records = kept

	if !e.state.HasOrder(orderID) {
		e.state.OrderIDs = append(e.state.OrderIDs, orderID)
	}
}

// storeRevealed records a key revealed outside an order fetch. The order
// is left unknown so its full detail is still fetched.
func (e *Engine) storeRevealed(r *domain.KeyRecord) {
	for _, old := range e.state.Records {
		if old.Key() == r.Key() {
			if !old.Revealed() {
				old.RevealedValue = r.RevealedValue
			}
			return
		}
	}
	e.state.Records = append(e.state.Records, r)
}

// revealEligible reveals eligible records one at a time with pacing. It stops
// early only when the session is lost or ctx is done.
func (e *Engine) revealEligible(ctx context.Context, res *PassResult) error {
	first := true
	for _, c := range res.Classifications {
		if c.Verdict != domain.VerdictEligible || c.Record.Revealed() {
			continue
		}
		if !first {
			if err := e.cfg.Sleep(ctx, e.cfg.Pacing); err != nil {
				return err
			}
		}
		first = false

		outcome, err := e.reveal(ctx, c.Record, c.AsGift, c.Withheld)
		res.Outcomes = append(res.Outcomes, outcome)
		if err != nil && (domain.IsSessionLost(err) || ctx.Err() != nil) {
			return err
		}
	}
	return nil
}

// reveal calls the storefront for one record and updates it on success.
func (e *Engine) reveal(ctx context.Context, r *domain.KeyRecord, asGift, withheld bool) (domain.RedemptionOutcome, error) {
	outcome := domain.RedemptionOutcome{Record: r, AsGift: asGift, Withheld: withheld}
	value, err := e.cfg.Storefront.Reveal(ctx, r.MachineName, r.OrderID, r.KeyIndex, asGift)
	if err != nil {
		outcome.FailureReason = err.Error()
	} else {
		r.RevealedValue = value
		outcome.Succeeded = true
	}
	e.cfg.Sink.Revealed(ctx, e.cfg.Account, outcome)
	return outcome, err
}

func (e *Engine) save(ctx context.Context) error {
	if e.cfg.Store == nil {
		return nil
	}
	// A pass cut short by cancellation still persists what it revealed.
	return e.cfg.Store.Save(context.WithoutCancel(ctx), e.cfg.Account, e.state)
}

// autoPay pays the current period early when it is unpaid and records the
// resulting order so its keys are marked as auto-paid.
func (e *Engine) autoPay(ctx context.Context, logger *slog.Logger) error {
	period, err := e.cfg.Choice.CurrentUnpaidPeriod(ctx)
	if err != nil {
		logger.Warn("failed to check current period", "error", err)
		return err
	}
	if period == nil {
		return nil
	}

	jobID, err := e.cfg.Choice.PayEarly(ctx, period.ProductID, period.Slug)
	if err != nil {
		logger.Warn("failed to start early payment", "period", period.Slug, "error", err)
		return err
	}
	if jobID == "" {
		return nil
	}

	gamekey, err := e.cfg.Choice.PollPayment(ctx, jobID, e.cfg.PollAttempts)
	if err != nil {
		logger.Warn("early payment did not complete", "period", period.Slug, "job", jobID, "error", err)
		return err
	}
	if !e.state.IsAutoPaid(gamekey) {
		e.state.AutoPaidOrders = append(e.state.AutoPaidOrders, gamekey)
	}
	logger.Info("period paid early", "period", period.Slug, "order", gamekey)
	return nil
}

// processChoiceOrders runs ProcessChoiceOrder for every paid period whose
// order still holds unrevealed keys.
func (e *Engine) processChoiceOrders(ctx context.Context, facts ownership.Facts, logger *slog.Logger) ([]domain.RedemptionOutcome, error) {
	orders, err := e.cfg.Choice.ChoiceOrders(ctx)
	if err != nil {
		logger.Warn("failed to list choice orders", "error", err)
		if domain.IsSessionLost(err) {
			return nil, err
		}
		return nil, nil
	}

	var all []domain.RedemptionOutcome
	for _, order := range orders {
		if e.state.HasOrder(order.OrderID) && e.state.OrderSettled(order.OrderID) {
			continue
		}
		outcomes, err := e.ProcessChoiceOrder(ctx, order, facts)
		all = append(all, outcomes...)
		if err == nil {
			continue
		}
		if domain.IsSessionLost(err) || ctx.Err() != nil {
			return all, err
		}
		if errors.Is(err, domain.ErrDataBlockAbsent) {
			logger.Info("period page has no selection data", "period", order.PeriodSlug)
			continue
		}
		logger.Warn("failed to process choice order", "order", order.OrderID, "period", order.PeriodSlug, "error", err)
	}
	return all, nil
}
