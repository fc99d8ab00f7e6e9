package redeem

import (
	"context"
	"fmt"

	"github.com/tendant/keyclaim/pkg/domain"
	"github.com/tendant/keyclaim/pkg/ownership"
)

// ProcessChoiceOrder selects the eligible items of a subscription period
// that were not chosen yet, in one call, and reveals the keys of every
// chosen item with pacing between reveals. Keys already revealed in the
// stored state are passed through without a storefront call, and new
// reveals are written back to the state.
//
// Legacy period pages carry no selection data and are skipped, as are
// periods whose keys cannot be redeemed yet.
func (e *Engine) ProcessChoiceOrder(ctx context.Context, order domain.ChoiceOrder, facts ownership.Facts) ([]domain.RedemptionOutcome, error) {
	if e.cfg.Choice == nil || !e.cfg.RevealChoice {
		return nil, nil
	}
	logger := e.logger.With("order", order.OrderID, "period", order.PeriodSlug)

	model, err := e.cfg.Choice.FetchPeriod(ctx, order.PeriodSlug)
	if err != nil {
		return nil, fmt.Errorf("failed to load period %s: %w", order.PeriodSlug, err)
	}
	if model.Legacy {
		logger.Info("skipping legacy period without selection support")
		return nil, nil
	}
	if !model.CanRedeem {
		logger.Info("skipping period whose keys are not redeemable yet")
		return nil, nil
	}
	if model.Gamekey == "" {
		model.Gamekey = order.OrderID
	}
	e.adoptStored(model)

	chosen := make(map[string]bool, len(model.Chosen))
	for _, id := range model.Chosen {
		chosen[id] = true
	}

	if model.SelectionRequired {
		var missing []string
		for _, id := range model.DisplayOrder {
			item, ok := model.Items[id]
			if !ok || chosen[id] || !e.worthChoosing(item, facts) {
				continue
			}
			missing = append(missing, id)
		}
		if len(missing) > 0 {
			if err := e.cfg.Choice.ChooseContent(ctx, model.Gamekey, model.ParentID, missing); err != nil {
				return nil, err
			}
			logger.Info("chose period items", "count", len(missing))
			for _, id := range missing {
				chosen[id] = true
			}
		}
	}

	var outcomes []domain.RedemptionOutcome
	first := true
	for _, id := range model.DisplayOrder {
		item, ok := model.Items[id]
		if !ok {
			continue
		}
		if model.SelectionRequired && !chosen[id] {
			continue
		}
		if len(item.Keys) == 0 {
			logger.Debug("skipping item without keys", "item", id)
			continue
		}

		for _, key := range item.Keys {
			if key.Revealed() {
				e.storeRevealed(key)
				outcomes = append(outcomes, domain.RedemptionOutcome{Record: key, Succeeded: true, AlreadyRevealed: true})
				continue
			}

			c := Classify(key, facts, e.cfg.Policy)
			if c.Verdict != domain.VerdictEligible {
				outcomes = append(outcomes, domain.RedemptionOutcome{Record: key, FailureReason: string(c.Verdict)})
				continue
			}

			if !first {
				if err := e.cfg.Sleep(ctx, e.cfg.Pacing); err != nil {
					return outcomes, err
				}
			}
			first = false

			outcome, err := e.reveal(ctx, key, c.AsGift, c.Withheld)
			outcomes = append(outcomes, outcome)
			if outcome.Succeeded {
				e.storeRevealed(key)
			}
			if err != nil && (domain.IsSessionLost(err) || ctx.Err() != nil) {
				return outcomes, err
			}
		}
	}
	return outcomes, nil
}

// adoptStored fills the page keys with what the state already knows: the
// owning order, values revealed in earlier passes and the auto-paid mark.
func (e *Engine) adoptStored(model *domain.ChoiceModel) {
	stored := make(map[string]*domain.KeyRecord, len(e.state.Records))
	for _, r := range e.state.Records {
		stored[r.Key()] = r
	}
	autoPaid := e.state.IsAutoPaid(model.Gamekey)
	for _, item := range model.Items {
		for _, key := range item.Keys {
			if key.OrderID == "" {
				key.OrderID = model.Gamekey
			}
			if old, ok := stored[key.Key()]; ok && old.Revealed() && !key.Revealed() {
				key.RevealedValue = old.RevealedValue
			}
			key.AutoPaid = key.AutoPaid || autoPaid || e.state.IsAutoPaid(key.OrderID)
		}
	}
}

// worthChoosing reports whether any key of the item would be revealed.
func (e *Engine) worthChoosing(item *domain.ChoiceItem, facts ownership.Facts) bool {
	for _, key := range item.Keys {
		if key.Revealed() {
			return true
		}
		if Classify(key, facts, e.cfg.Policy).Verdict == domain.VerdictEligible {
			return true
		}
	}
	return false
}
