// Package authz decides whether an identity may operate on a channel.
//
// Decisions fail closed on infrastructure errors: if the store cannot be
// queried, access is denied. Absence of authentication is handled
// upstream by the fail-open handshake; here an anonymous identity is
// simply denied.
package authz

import (
	"context"
	"log/slog"

	"github.com/parleyhq/parley/gateway/auth"
	"github.com/parleyhq/parley/gateway/store"
	"github.com/parleyhq/parley/pkg/protocol"
)

// Mode selects how a missing channel is treated.
type Mode int

const (
	// ModeJoin allows access to a not-yet-created channel: join is the
	// creation trigger and must not be blocked by its own absence.
	ModeJoin Mode = iota
	// ModeStrict denies access to a missing channel, for lookup paths
	// where the channel is expected to exist.
	ModeStrict
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Code    string // protocol error code when denied
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(code, reason string) Decision {
	return Decision{Code: code, Reason: reason}
}

// Oracle authorizes channel operations against the participant store.
type Oracle struct {
	store  store.Store
	logger *slog.Logger
}

// New creates an Oracle.
func New(s store.Store, logger *slog.Logger) *Oracle {
	return &Oracle{store: s, logger: logger.With("component", "authz")}
}

// Authorize decides whether identity may operate on channelID.
//
// Rules, in order: admins are allowed unconditionally and never reach the
// store; anonymous identities are denied; a missing channel is allowed in
// ModeJoin and denied in ModeStrict; otherwise membership in the
// channel's participant set decides.
func (o *Oracle) Authorize(ctx context.Context, identity *auth.Identity, channelID string, mode Mode) Decision {
	if identity != nil && identity.Admin {
		return allow()
	}
	if identity.Anonymous() {
		return deny(protocol.CodeForbidden, "authentication required")
	}

	ch, err := o.store.GetChannel(ctx, channelID)
	if err != nil {
		o.logger.Error("channel lookup failed", "channel_id", channelID, "error", err)
		return deny(protocol.CodeInternal, "authorization check failed")
	}
	if ch == nil {
		if mode == ModeJoin {
			return allow()
		}
		return deny(protocol.CodeNotFound, "channel not found")
	}

	participants, err := o.store.GetParticipants(ctx, channelID)
	if err != nil {
		o.logger.Error("participant lookup failed", "channel_id", channelID, "error", err)
		return deny(protocol.CodeInternal, "authorization check failed")
	}
	for _, userID := range participants {
		if userID == identity.UserID {
			return allow()
		}
	}
	return deny(protocol.CodeForbidden, "not a participant")
}
