package store

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ovaphlow/pitchfork/service-auth/internal/common"
	"github.com/ovaphlow/pitchfork/service-auth/internal/session"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-auth/internal/verification"
)

// Memory is an in-process Store. Transactions are serialized and a failed
// one restores the state it started from.
type Memory struct {
	mu    sync.Mutex
	state memState
}

type memState struct {
	users  map[string]*entity.User
	tokens map[int64]*session.RefreshToken
	emails map[int64]*verification.EmailVerificationToken
	resets map[int64]*verification.PasswordResetToken
}

func NewMemory() *Memory {
	return &Memory{state: memState{
		users:  map[string]*entity.User{},
		tokens: map[int64]*session.RefreshToken{},
		emails: map[int64]*verification.EmailVerificationToken{},
		resets: map[int64]*verification.PasswordResetToken{},
	}}
}

func (s memState) clone() memState {
	c := memState{
		users:  make(map[string]*entity.User, len(s.users)),
		tokens: make(map[int64]*session.RefreshToken, len(s.tokens)),
		emails: make(map[int64]*verification.EmailVerificationToken, len(s.emails)),
		resets: make(map[int64]*verification.PasswordResetToken, len(s.resets)),
	}
	for k, v := range s.users {
		c.users[k] = v.Clone()
	}
	for k, v := range s.tokens {
		c.tokens[k] = v.Clone()
	}
	for k, v := range s.emails {
		c.emails[k] = v.Clone()
	}
	for k, v := range s.resets {
		c.resets[k] = v.Clone()
	}
	return c
}

func (m *Memory) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	defer func() {
		if p := recover(); p != nil {
			m.state = snapshot
			panic(p)
		}
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			m.state = snapshot
		}
	}()
	return fn(ctx, &memTx{s: &m.state})
}

// RefreshTokens returns copies of every refresh token row of userID in any state.
func (m *Memory) RefreshTokens(userID string) []session.RefreshToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []session.RefreshToken
	for _, t := range m.state.tokens {
		if t.UserID == userID {
			out = append(out, *t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EmailVerifications returns copies of the outstanding verification tokens of userID.
func (m *Memory) EmailVerifications(userID string) []verification.EmailVerificationToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []verification.EmailVerificationToken
	for _, t := range m.state.emails {
		if t.UserID == userID {
			out = append(out, *t.Clone())
		}
	}
	return out
}

type memTx struct{ s *memState }

func (t *memTx) Users() user.Repository                           { return memUsers{t.s} }
func (t *memTx) RefreshTokens() session.Repository                { return memTokens{t.s} }
func (t *memTx) EmailVerifications() verification.EmailRepository { return memEmails{t.s} }
func (t *memTx) PasswordResets() verification.ResetRepository     { return memResets{t.s} }

type memUsers struct{ s *memState }

func (r memUsers) conflict(u *entity.User) error {
	for id, o := range r.s.users {
		if id == u.ID {
			continue
		}
		if strings.EqualFold(o.Email, u.Email) {
			return common.ErrDuplicateEmail
		}
		if o.Username == u.Username {
			return common.ErrDuplicateUsername
		}
	}
	return nil
}

func (r memUsers) Create(_ context.Context, u *entity.User) error {
	if _, ok := r.s.users[u.ID]; ok {
		return common.ErrConflict
	}
	if err := r.conflict(u); err != nil {
		return err
	}
	r.s.users[u.ID] = u.Clone()
	return nil
}

func (r memUsers) GetByID(_ context.Context, id string) (*entity.User, error) {
	if u, ok := r.s.users[id]; ok {
		return u.Clone(), nil
	}
	return nil, common.ErrNotFound
}

func (r memUsers) GetByIDForUpdate(ctx context.Context, id string) (*entity.User, error) {
	return r.GetByID(ctx, id)
}

func (r memUsers) GetByUsername(_ context.Context, username string) (*entity.User, error) {
	for _, u := range r.s.users {
		if u.Username == username {
			return u.Clone(), nil
		}
	}
	return nil, common.ErrNotFound
}

func (r memUsers) GetByEmail(_ context.Context, email string) (*entity.User, error) {
	for _, u := range r.s.users {
		if strings.EqualFold(u.Email, email) {
			return u.Clone(), nil
		}
	}
	return nil, common.ErrNotFound
}

func (r memUsers) Update(_ context.Context, u *entity.User) error {
	if _, ok := r.s.users[u.ID]; !ok {
		return common.ErrNotFound
	}
	if err := r.conflict(u); err != nil {
		return err
	}
	r.s.users[u.ID] = u.Clone()
	return nil
}

type memTokens struct{ s *memState }

func (r memTokens) Insert(_ context.Context, t *session.RefreshToken) error {
	for _, o := range r.s.tokens {
		if bytes.Equal(o.TokenHash, t.TokenHash) {
			return common.ErrConflict
		}
	}
	r.s.tokens[t.ID] = t.Clone()
	return nil
}

func (r memTokens) GetByHash(_ context.Context, hash []byte) (*session.RefreshToken, error) {
	for _, t := range r.s.tokens {
		if bytes.Equal(t.TokenHash, hash) {
			return t.Clone(), nil
		}
	}
	return nil, common.ErrNotFound
}

func (r memTokens) GetByID(_ context.Context, id int64) (*session.RefreshToken, error) {
	if t, ok := r.s.tokens[id]; ok {
		return t.Clone(), nil
	}
	return nil, common.ErrNotFound
}

func (r memTokens) RevokeActiveByHash(_ context.Context, hash []byte, now time.Time) (*session.RefreshToken, error) {
	for _, t := range r.s.tokens {
		if bytes.Equal(t.TokenHash, hash) && t.Active(now) {
			matched := t.Clone()
			revoke(t, now)
			return matched, nil
		}
	}
	return nil, common.ErrNotFound
}

func (r memTokens) RevokeByID(_ context.Context, id int64, now time.Time) (bool, error) {
	t, ok := r.s.tokens[id]
	if !ok || t.Revoked {
		return false, nil
	}
	revoke(t, now)
	return true, nil
}

func (r memTokens) RevokeAllForUser(_ context.Context, userID string, now time.Time) (int64, error) {
	var n int64
	for _, t := range r.s.tokens {
		if t.UserID == userID && !t.Revoked {
			revoke(t, now)
			n++
		}
	}
	return n, nil
}

func (r memTokens) ListActive(_ context.Context, userID string, now time.Time) ([]session.RefreshToken, error) {
	var out []session.RefreshToken
	for _, t := range r.s.tokens {
		if t.UserID == userID && t.Active(now) {
			out = append(out, *t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func revoke(t *session.RefreshToken, now time.Time) {
	at := now
	t.Revoked = true
	t.RevokedAt = &at
}

type memEmails struct{ s *memState }

func (r memEmails) Insert(_ context.Context, t *verification.EmailVerificationToken) error {
	r.s.emails[t.ID] = t.Clone()
	return nil
}

func (r memEmails) GetByHash(_ context.Context, hash []byte) (*verification.EmailVerificationToken, error) {
	for _, t := range r.s.emails {
		if bytes.Equal(t.TokenHash, hash) {
			return t.Clone(), nil
		}
	}
	return nil, common.ErrNotFound
}

func (r memEmails) Delete(_ context.Context, id int64) error {
	delete(r.s.emails, id)
	return nil
}

func (r memEmails) DeleteForUser(_ context.Context, userID string) (int64, error) {
	var n int64
	for id, t := range r.s.emails {
		if t.UserID == userID {
			delete(r.s.emails, id)
			n++
		}
	}
	return n, nil
}

type memResets struct{ s *memState }

func (r memResets) Insert(_ context.Context, t *verification.PasswordResetToken) error {
	r.s.resets[t.ID] = t.Clone()
	return nil
}

func (r memResets) ConsumeByHash(_ context.Context, hash []byte, now time.Time) (*verification.PasswordResetToken, error) {
	for _, t := range r.s.resets {
		if bytes.Equal(t.TokenHash, hash) && !t.Used && t.ExpiresAt.After(now) {
			t.Used = true
			return t.Clone(), nil
		}
	}
	return nil, common.ErrNotFound
}
