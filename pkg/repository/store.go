package repository

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/tendant/keyclaim/pkg/domain"
)

// Store loads and saves the durable state document of an account.
//
// Load never fails on a corrupt document: it is logged and an empty state is
// returned, so a damaged record only costs a fresh login and a refetch.
type Store interface {
	Load(ctx context.Context, account string) (*domain.State, error)
	Save(ctx context.Context, account string, st *domain.State) error
}

// decodeState parses a stored document, falling back to an empty state.
func decodeState(logger *slog.Logger, account string, data []byte) *domain.State {
	st := &domain.State{}
	if len(data) == 0 {
		return st
	}
	if err := json.Unmarshal(data, st); err != nil {
		logger.Warn("discarding corrupt state document", "account", account, "error", err)
		return &domain.State{}
	}
	return st
}

func encodeState(st *domain.State) ([]byte, error) {
	if st == nil {
		st = &domain.State{}
	}
	return json.Marshal(st)
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*StateRepository)(nil)
	_ Store = (*RedisStore)(nil)
)
