package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ovaphlow/pitchfork/service-auth/internal/common"
	"github.com/ovaphlow/pitchfork/service-auth/internal/verification"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/database"
)

// EmailRepo stores email_verification_tokens rows.
type EmailRepo struct {
	db database.Queryer
}

func NewEmailRepo(db database.Queryer) *EmailRepo { return &EmailRepo{db: db} }

func (r *EmailRepo) Insert(ctx context.Context, t *verification.EmailVerificationToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO email_verification_tokens (id, user_id, token_hash, expires_at, created_at) VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	return err
}

func (r *EmailRepo) GetByHash(ctx context.Context, hash []byte) (*verification.EmailVerificationToken, error) {
	var t verification.EmailVerificationToken
	err := r.db.GetContext(ctx, &t,
		`SELECT id, user_id, token_hash, expires_at, created_at FROM email_verification_tokens WHERE token_hash = $1`, hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *EmailRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM email_verification_tokens WHERE id = $1`, id)
	return err
}

func (r *EmailRepo) DeleteForUser(ctx context.Context, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM email_verification_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetRepo stores password_reset_tokens rows.
type ResetRepo struct {
	db database.Queryer
}

func NewResetRepo(db database.Queryer) *ResetRepo { return &ResetRepo{db: db} }

func (r *ResetRepo) Insert(ctx context.Context, t *verification.PasswordResetToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO password_reset_tokens (id, user_id, token_hash, expires_at, created_at, used, ip_address) VALUES ($1, $2, $3, $4, $5, false, $6)`,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt, t.IPAddress)
	return err
}

func (r *ResetRepo) ConsumeByHash(ctx context.Context, hash []byte, now time.Time) (*verification.PasswordResetToken, error) {
	const q = `UPDATE password_reset_tokens SET used = true
		WHERE token_hash = $1 AND used = false AND expires_at > $2
		RETURNING id, user_id, token_hash, expires_at, created_at, used, ip_address`
	var t verification.PasswordResetToken
	if err := r.db.GetContext(ctx, &t, q, hash, now); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}
