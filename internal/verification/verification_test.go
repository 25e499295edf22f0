package verification_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-auth/internal/security"
	"github.com/ovaphlow/pitchfork/service-auth/internal/store"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-auth/internal/verification"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/utilities"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	mem   *store.Memory
	email *verification.EmailFlow
	reset *verification.ResetFlow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fp, err := security.NewFingerprinter([]byte("k"))
	require.NoError(t, err)
	ids, err := utilities.NewIDGenerator(2)
	require.NoError(t, err)
	f := &fixture{
		mem:   store.NewMemory(),
		email: verification.NewEmailFlow(nil, nil, fp, ids, 24*time.Hour),
		reset: verification.NewResetFlow(nil, fp, ids, 30*time.Minute),
	}
	require.NoError(t, f.mem.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.Users().Create(ctx, &entity.User{ID: "u1", Email: "a@example.com", Username: "alice", AuthProvider: entity.ProviderLocal, CreatedAt: t0, UpdatedAt: t0})
	}))
	return f
}

func (f *fixture) inTx(t *testing.T, fn func(ctx context.Context, tx store.Tx) error) {
	t.Helper()
	require.NoError(t, f.mem.InTx(context.Background(), fn))
}

func (f *fixture) user(t *testing.T) *entity.User {
	t.Helper()
	var u *entity.User
	f.inTx(t, func(ctx context.Context, tx store.Tx) error {
		var err error
		u, err = tx.Users().GetByID(ctx, "u1")
		return err
	})
	return u
}

func (f *fixture) issueEmail(t *testing.T, now time.Time) string {
	t.Helper()
	var raw string
	f.inTx(t, func(ctx context.Context, tx store.Tx) error {
		var err error
		raw, err = f.email.WithRepos(tx.EmailVerifications(), tx.Users()).Issue(ctx, "u1", now)
		return err
	})
	return raw
}

func (f *fixture) consumeEmail(t *testing.T, raw string, now time.Time) verification.Outcome {
	t.Helper()
	var out verification.Outcome
	f.inTx(t, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = f.email.WithRepos(tx.EmailVerifications(), tx.Users()).Consume(ctx, raw, now)
		return err
	})
	return out
}

func TestConsumeSuccessThenInvalid(t *testing.T) {
	f := newFixture(t)
	raw := f.issueEmail(t, t0)

	assert.Equal(t, verification.Success, f.consumeEmail(t, raw, t0.Add(time.Hour)))
	u := f.user(t)
	assert.True(t, u.EmailVerified)
	assert.True(t, u.IsActive)
	assert.Empty(t, f.mem.EmailVerifications("u1"))

	assert.Equal(t, verification.Invalid, f.consumeEmail(t, raw, t0.Add(2*time.Hour)))
}

func TestConsumeExpiredLeavesState(t *testing.T) {
	f := newFixture(t)
	raw := f.issueEmail(t, t0)

	assert.Equal(t, verification.Expired, f.consumeEmail(t, raw, t0.Add(24*time.Hour)))
	assert.False(t, f.user(t).EmailVerified)
	assert.Len(t, f.mem.EmailVerifications("u1"), 1, "expired token kept for audit")
}

func TestConsumeAlreadyVerified(t *testing.T) {
	f := newFixture(t)
	first := f.issueEmail(t, t0)
	second := f.issueEmail(t, t0)
	require.Equal(t, verification.Success, f.consumeEmail(t, first, t0))

	assert.Equal(t, verification.AlreadyVerified, f.consumeEmail(t, second, t0))
	assert.Len(t, f.mem.EmailVerifications("u1"), 1)
}

func TestConsumeUnknown(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, verification.Invalid, f.consumeEmail(t, "nope", t0))
}

func TestReissueDropsOldTokens(t *testing.T) {
	f := newFixture(t)
	old := f.issueEmail(t, t0)
	var fresh string
	f.inTx(t, func(ctx context.Context, tx store.Tx) error {
		var err error
		fresh, err = f.email.WithRepos(tx.EmailVerifications(), tx.Users()).Reissue(ctx, "u1", t0)
		return err
	})
	assert.Len(t, f.mem.EmailVerifications("u1"), 1)
	assert.Equal(t, verification.Invalid, f.consumeEmail(t, old, t0))
	assert.Equal(t, verification.Success, f.consumeEmail(t, fresh, t0))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "success", verification.Success.String())
	assert.Equal(t, "user_missing", verification.UserMissing.String())
	assert.Equal(t, "unknown", verification.Outcome(0).String())
}

func TestResetConsumeOnce(t *testing.T) {
	f := newFixture(t)
	var raw string
	f.inTx(t, func(ctx context.Context, tx store.Tx) error {
		var err error
		raw, err = f.reset.WithRepo(tx.PasswordResets()).Issue(ctx, "u1", "10.0.0.1", t0)
		return err
	})

	consume := func(now time.Time) (string, error) {
		var uid string
		err := f.mem.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			var err error
			uid, err = f.reset.WithRepo(tx.PasswordResets()).Consume(ctx, raw, now)
			return err
		})
		return uid, err
	}

	uid, err := consume(t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)

	_, err = consume(t0.Add(2 * time.Minute))
	assert.ErrorIs(t, err, verification.ErrInvalidOrExpired)
}

func TestResetExpired(t *testing.T) {
	f := newFixture(t)
	var raw string
	f.inTx(t, func(ctx context.Context, tx store.Tx) error {
		var err error
		raw, err = f.reset.WithRepo(tx.PasswordResets()).Issue(ctx, "u1", "", t0)
		return err
	})
	err := f.mem.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		_, err := f.reset.WithRepo(tx.PasswordResets()).Consume(ctx, raw, t0.Add(30*time.Minute))
		return err
	})
	assert.ErrorIs(t, err, verification.ErrInvalidOrExpired)
}
