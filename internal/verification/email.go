// Package verification issues and consumes one-time tokens: email
// verification and password reset.
package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ovaphlow/pitchfork/service-auth/internal/common"
	"github.com/ovaphlow/pitchfork/service-auth/internal/security"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user"
)

// EmailRepository persists email verification tokens.
type EmailRepository interface {
	Insert(ctx context.Context, t *EmailVerificationToken) error
	GetByHash(ctx context.Context, hash []byte) (*EmailVerificationToken, error)
	Delete(ctx context.Context, id int64) error
	DeleteForUser(ctx context.Context, userID string) (int64, error)
}

// Outcome is the result of consuming a verification token.
type Outcome int

const (
	Success Outcome = iota + 1
	AlreadyVerified
	Invalid
	Expired
	UserMissing
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case AlreadyVerified:
		return "already_verified"
	case Invalid:
		return "invalid"
	case Expired:
		return "expired"
	case UserMissing:
		return "user_missing"
	default:
		return "unknown"
	}
}

type EmailFlow struct {
	tokens EmailRepository
	users  user.Repository
	fp     *security.Fingerprinter
	ids    common.IDSource
	ttl    time.Duration
}

func NewEmailFlow(tokens EmailRepository, users user.Repository, fp *security.Fingerprinter, ids common.IDSource, ttl time.Duration) *EmailFlow {
	return &EmailFlow{tokens: tokens, users: users, fp: fp, ids: ids, ttl: ttl}
}

// WithRepos returns a copy bound to the given repositories.
func (f *EmailFlow) WithRepos(tokens EmailRepository, users user.Repository) *EmailFlow {
	c := *f
	c.tokens = tokens
	c.users = users
	return &c
}

// Issue stores a new token for userID and returns its raw form.
func (f *EmailFlow) Issue(ctx context.Context, userID string, now time.Time) (string, error) {
	raw, err := f.fp.GenerateSecret()
	if err != nil {
		return "", err
	}
	row := &EmailVerificationToken{
		ID:        f.ids.Next(),
		UserID:    userID,
		TokenHash: f.fp.Fingerprint(raw),
		ExpiresAt: now.Add(f.ttl),
		CreatedAt: now,
	}
	if err := f.tokens.Insert(ctx, row); err != nil {
		return "", fmt.Errorf("insert verification token: %w", err)
	}
	return raw, nil
}

// Reissue drops the user's outstanding tokens and issues a fresh one.
func (f *EmailFlow) Reissue(ctx context.Context, userID string, now time.Time) (string, error) {
	if _, err := f.tokens.DeleteForUser(ctx, userID); err != nil {
		return "", fmt.Errorf("delete verification tokens: %w", err)
	}
	return f.Issue(ctx, userID, now)
}

// Consume verifies the email behind raw. Only Success mutates anything: the
// user becomes verified and active and the token row is deleted.
func (f *EmailFlow) Consume(ctx context.Context, raw string, now time.Time) (Outcome, error) {
	row, err := f.tokens.GetByHash(ctx, f.fp.Fingerprint(raw))
	if errors.Is(err, common.ErrNotFound) {
		return Invalid, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lookup verification token: %w", err)
	}
	if !row.ExpiresAt.After(now) {
		return Expired, nil
	}
	u, err := f.users.GetByIDForUpdate(ctx, row.UserID)
	if errors.Is(err, common.ErrNotFound) {
		return UserMissing, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lookup user: %w", err)
	}
	if u.EmailVerified {
		return AlreadyVerified, nil
	}
	u.EmailVerified = true
	u.IsActive = true
	u.UpdatedAt = now
	if err := f.users.Update(ctx, u); err != nil {
		return 0, fmt.Errorf("update user: %w", err)
	}
	if err := f.tokens.Delete(ctx, row.ID); err != nil {
		return 0, fmt.Errorf("delete verification token: %w", err)
	}
	return Success, nil
}
