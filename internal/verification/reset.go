package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ovaphlow/pitchfork/service-auth/internal/common"
	"github.com/ovaphlow/pitchfork/service-auth/internal/security"
)

var ErrInvalidOrExpired = errors.New("invalid or expired token")

// ResetRepository persists password reset tokens.
type ResetRepository interface {
	Insert(ctx context.Context, t *PasswordResetToken) error
	// ConsumeByHash marks the matching row used when it is unused and
	// unexpired at now, as one conditional update.
	ConsumeByHash(ctx context.Context, hash []byte, now time.Time) (*PasswordResetToken, error)
}

type ResetFlow struct {
	tokens ResetRepository
	fp     *security.Fingerprinter
	ids    common.IDSource
	ttl    time.Duration
}

func NewResetFlow(tokens ResetRepository, fp *security.Fingerprinter, ids common.IDSource, ttl time.Duration) *ResetFlow {
	return &ResetFlow{tokens: tokens, fp: fp, ids: ids, ttl: ttl}
}

func (f *ResetFlow) WithRepo(tokens ResetRepository) *ResetFlow {
	c := *f
	c.tokens = tokens
	return &c
}

func (f *ResetFlow) Issue(ctx context.Context, userID, ip string, now time.Time) (string, error) {
	raw, err := f.fp.GenerateSecret()
	if err != nil {
		return "", err
	}
	row := &PasswordResetToken{
		ID:        f.ids.Next(),
		UserID:    userID,
		TokenHash: f.fp.Fingerprint(raw),
		ExpiresAt: now.Add(f.ttl),
		CreatedAt: now,
	}
	if ip != "" {
		row.IPAddress = &ip
	}
	if err := f.tokens.Insert(ctx, row); err != nil {
		return "", fmt.Errorf("insert reset token: %w", err)
	}
	return raw, nil
}

// Consume burns the token behind raw and returns its owner.
func (f *ResetFlow) Consume(ctx context.Context, raw string, now time.Time) (string, error) {
	row, err := f.tokens.ConsumeByHash(ctx, f.fp.Fingerprint(raw), now)
	if errors.Is(err, common.ErrNotFound) {
		return "", ErrInvalidOrExpired
	}
	if err != nil {
		return "", fmt.Errorf("consume reset token: %w", err)
	}
	return row.UserID, nil
}
