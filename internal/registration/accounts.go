package registration

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/mbd888/reggate/internal/logging"
	"github.com/mbd888/reggate/internal/signals"
)

// SequentialAccounts hands out increasing user IDs without storing anything.
// It stands in for the account system when the gate runs on its own.
type SequentialAccounts struct {
	next   atomic.Int64
	logger *slog.Logger
}

// NewSequentialAccounts creates a stand-in account creator.
func NewSequentialAccounts(logger *slog.Logger) *SequentialAccounts {
	if logger == nil {
		logger = logging.Discard()
	}
	return &SequentialAccounts{logger: logger}
}

func (a *SequentialAccounts) CreateAccount(ctx context.Context, cand signals.Candidate, opts AccountOptions) (int64, error) {
	id := a.next.Add(1)
	a.logger.InfoContext(ctx, "account created",
		"user_id", id,
		"session_id", opts.SessionID,
		"monitored", opts.Monitored,
		"username", cand.Username,
	)
	return id, nil
}
