// Package admin provides operator endpoints for ban management and gate
// housekeeping.
package admin

import (
	"context"

	"github.com/mbd888/reggate/internal/bans"
)

// BanRegistry abstracts ban operations for admin handlers.
type BanRegistry interface {
	Ban(ctx context.Context, sig bans.BannedSignal) (*bans.BannedSignal, error)
	Unban(ctx context.Context, t bans.SignalType, value string) error
	List(ctx context.Context, t bans.SignalType) ([]*bans.BannedSignal, error)
}

// ChallengeSweeper removes expired challenges on demand.
type ChallengeSweeper interface {
	Sweep(ctx context.Context) int
}

// BanRequest is the body of POST /admin/bans.
type BanRequest struct {
	SignalType  string `json:"signal_type" binding:"required"`
	SignalValue string `json:"signal_value" binding:"required"`
	Severity    string `json:"severity"`
	Reason      string `json:"reason"`
}
