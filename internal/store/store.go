// Package store is the unit of work over every repository the auth
// subsystem touches.
package store

import (
	"context"

	"github.com/ovaphlow/pitchfork/service-auth/internal/session"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user"
	"github.com/ovaphlow/pitchfork/service-auth/internal/verification"
)

// Tx exposes repositories bound to one transaction.
type Tx interface {
	Users() user.Repository
	RefreshTokens() session.Repository
	EmailVerifications() verification.EmailRepository
	PasswordResets() verification.ResetRepository
}

// Store runs fn in a transaction. A nil return commits; an error or a panic
// rolls back every write made through tx.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
