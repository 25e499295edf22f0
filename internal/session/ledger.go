// Package session implements the refresh-token ledger: issue, single-use
// rotation, revocation and listing of server-side sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ovaphlow/pitchfork/service-auth/internal/common"
	"github.com/ovaphlow/pitchfork/service-auth/internal/security"
)

var (
	ErrInvalidOrExpired = errors.New("invalid or expired refresh token")
	ErrSessionNotFound  = errors.New("session not found")
)

// Repository persists refresh tokens. Implementations return
// common.ErrNotFound when no row matches.
type Repository interface {
	Insert(ctx context.Context, t *RefreshToken) error
	GetByHash(ctx context.Context, hash []byte) (*RefreshToken, error)
	GetByID(ctx context.Context, id int64) (*RefreshToken, error)
	// RevokeActiveByHash flips revoked on the row matching hash only if it is
	// unrevoked and unexpired at now, and returns the row as it was matched.
	// It must be a single conditional update.
	RevokeActiveByHash(ctx context.Context, hash []byte, now time.Time) (*RefreshToken, error)
	// RevokeByID flips revoked on an unrevoked row and reports whether it did.
	RevokeByID(ctx context.Context, id int64, now time.Time) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string, now time.Time) (int64, error)
	ListActive(ctx context.Context, userID string, now time.Time) ([]RefreshToken, error)
}

// RevokeResult distinguishes a fresh revocation from a repeated one.
type RevokeResult int

const (
	Revoked RevokeResult = iota + 1
	AlreadyRevoked
)

// Ledger is bound to a Repository, normally a transactional one via WithRepo.
type Ledger struct {
	repo Repository
	fp   *security.Fingerprinter
	ids  common.IDSource
	ttl  time.Duration
}

func NewLedger(repo Repository, fp *security.Fingerprinter, ids common.IDSource, ttl time.Duration) *Ledger {
	return &Ledger{repo: repo, fp: fp, ids: ids, ttl: ttl}
}

// WithRepo returns a copy of the ledger bound to repo.
func (l *Ledger) WithRepo(repo Repository) *Ledger {
	c := *l
	c.repo = repo
	return &c
}

// TTL is the refresh-token lifetime.
func (l *Ledger) TTL() time.Duration { return l.ttl }

// Issue persists a new session and returns the raw secret, which is not recoverable afterwards.
func (l *Ledger) Issue(ctx context.Context, userID string, meta ClientMeta, now time.Time) (string, *RefreshToken, error) {
	raw, err := l.fp.GenerateSecret()
	if err != nil {
		return "", nil, err
	}
	row := &RefreshToken{
		ID:         l.ids.Next(),
		UserID:     userID,
		TokenHash:  l.fp.Fingerprint(raw),
		DeviceInfo: meta.device(),
		IPAddress:  meta.ip(),
		ExpiresAt:  now.Add(l.ttl),
		CreatedAt:  now,
	}
	if err := l.repo.Insert(ctx, row); err != nil {
		return "", nil, fmt.Errorf("insert refresh token: %w", err)
	}
	return raw, row, nil
}

// Rotate revokes the session behind raw and issues its replacement for the
// same user. Both writes must share one transaction.
func (l *Ledger) Rotate(ctx context.Context, raw string, meta ClientMeta, now time.Time) (string, *RefreshToken, error) {
	old, err := l.repo.RevokeActiveByHash(ctx, l.fp.Fingerprint(raw), now)
	if errors.Is(err, common.ErrNotFound) {
		return "", nil, ErrInvalidOrExpired
	}
	if err != nil {
		return "", nil, fmt.Errorf("revoke refresh token: %w", err)
	}
	return l.Issue(ctx, old.UserID, meta, now)
}

// RevokeOne revokes the session behind raw. It reports false when no row
// has that fingerprint; an already revoked row is left untouched.
func (l *Ledger) RevokeOne(ctx context.Context, raw string, now time.Time) (bool, error) {
	row, err := l.repo.GetByHash(ctx, l.fp.Fingerprint(raw))
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup refresh token: %w", err)
	}
	if row.Revoked {
		return true, nil
	}
	if _, err := l.repo.RevokeByID(ctx, row.ID, now); err != nil {
		return false, fmt.Errorf("revoke refresh token: %w", err)
	}
	return true, nil
}

// RevokeAll revokes every session of a user and returns how many flipped.
func (l *Ledger) RevokeAll(ctx context.Context, userID string, now time.Time) (int64, error) {
	n, err := l.repo.RevokeAllForUser(ctx, userID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	return n, nil
}

// Revoke revokes session id if it belongs to userID.
func (l *Ledger) Revoke(ctx context.Context, userID string, id int64, now time.Time) (RevokeResult, error) {
	row, err := l.repo.GetByID(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		return 0, ErrSessionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lookup session: %w", err)
	}
	if row.UserID != userID {
		return 0, ErrSessionNotFound
	}
	flipped, err := l.repo.RevokeByID(ctx, id, now)
	if err != nil {
		return 0, fmt.Errorf("revoke session: %w", err)
	}
	if !flipped {
		return AlreadyRevoked, nil
	}
	return Revoked, nil
}

// ListActive returns metadata of the user's active sessions, newest first.
func (l *Ledger) ListActive(ctx context.Context, userID string, now time.Time) ([]Meta, error) {
	rows, err := l.repo.ListActive(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })
	out := make([]Meta, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].Meta())
	}
	return out, nil
}
