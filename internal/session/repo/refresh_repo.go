package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ovaphlow/pitchfork/service-auth/internal/common"
	"github.com/ovaphlow/pitchfork/service-auth/internal/session"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/database"
)

const refreshColumns = `id, user_id, token_hash, device_info, ip_address, expires_at, created_at, revoked, revoked_at`

// RefreshRepo stores refresh_tokens rows. Rows are never deleted here.
type RefreshRepo struct {
	db database.Queryer
}

func NewRefreshRepo(db database.Queryer) *RefreshRepo {
	return &RefreshRepo{db: db}
}

func (r *RefreshRepo) Insert(ctx context.Context, t *session.RefreshToken) error {
	const q = `INSERT INTO refresh_tokens (id, user_id, token_hash, device_info, ip_address, expires_at, created_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false)`
	_, err := r.db.ExecContext(ctx, q, t.ID, t.UserID, t.TokenHash, t.DeviceInfo, t.IPAddress, t.ExpiresAt, t.CreatedAt)
	return err
}

func (r *RefreshRepo) GetByHash(ctx context.Context, hash []byte) (*session.RefreshToken, error) {
	return r.getOne(ctx, `SELECT `+refreshColumns+` FROM refresh_tokens WHERE token_hash = $1`, hash)
}

func (r *RefreshRepo) GetByID(ctx context.Context, id int64) (*session.RefreshToken, error) {
	return r.getOne(ctx, `SELECT `+refreshColumns+` FROM refresh_tokens WHERE id = $1`, id)
}

// RevokeActiveByHash is the rotation gate: at most one caller can flip a given row.
func (r *RefreshRepo) RevokeActiveByHash(ctx context.Context, hash []byte, now time.Time) (*session.RefreshToken, error) {
	const q = `UPDATE refresh_tokens SET revoked = true, revoked_at = $2
		WHERE token_hash = $1 AND revoked = false AND expires_at > $2
		RETURNING ` + refreshColumns
	return r.getOne(ctx, q, hash, now)
}

func (r *RefreshRepo) RevokeByID(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = true, revoked_at = $2 WHERE id = $1 AND revoked = false`, id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RefreshRepo) RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = true, revoked_at = $2 WHERE user_id = $1 AND revoked = false`, userID, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *RefreshRepo) ListActive(ctx context.Context, userID string, now time.Time) ([]session.RefreshToken, error) {
	const q = `SELECT ` + refreshColumns + ` FROM refresh_tokens
		WHERE user_id = $1 AND revoked = false AND expires_at > $2
		ORDER BY created_at DESC, id DESC`
	var rows []session.RefreshToken
	if err := r.db.SelectContext(ctx, &rows, q, userID, now); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *RefreshRepo) getOne(ctx context.Context, q string, args ...any) (*session.RefreshToken, error) {
	var t session.RefreshToken
	if err := r.db.GetContext(ctx, &t, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}
