package repo

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-auth/internal/common"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user/entity"
)

var (
	now     = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	columns = []string{"id", "email", "username", "full_name", "auth_provider", "hashed_password",
		"email_verified", "is_active", "is_superuser", "failed_login_attempts", "locked_until",
		"last_login", "password_changed_at", "created_at", "updated_at"}
)

func newRepoWithMock(t *testing.T) (*UserRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewUserRepo(sqlx.NewDb(db, "postgres")), mock
}

func userRow(id string) *sqlmock.Rows {
	return sqlmock.NewRows(columns).AddRow(id, "bob@example.com", "bob", nil, "local", "$argon2id$...",
		true, true, false, 2, nil, now, nil, now, now)
}

func TestGetByUsername(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectQuery(`(?s)^SELECT id, email, username.*FROM users WHERE username=\$1$`).
		WithArgs("bob").
		WillReturnRows(userRow("u1"))

	u, err := repo.GetByUsername(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, 2, u.FailedLoginAttempts)
	require.NotNil(t, u.HashedPassword)
	require.NotNil(t, u.LastLogin)
	assert.Nil(t, u.LockedUntil)
}

func TestGetByIDForUpdateLocks(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectQuery(`(?s)FROM users WHERE id=\$1 FOR UPDATE$`).
		WithArgs("u1").
		WillReturnRows(userRow("u1"))

	_, err := repo.GetByIDForUpdate(context.Background(), "u1")
	require.NoError(t, err)
}

func TestGetByEmailNotFound(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectQuery(`FROM users WHERE email=\$1$`).
		WithArgs("nobody@example.com").
		WillReturnRows(sqlmock.NewRows(columns))

	_, err := repo.GetByEmail(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestCreateMapsUniqueViolations(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	u := &entity.User{ID: "u1", Email: "a@example.com", Username: "alice", AuthProvider: entity.ProviderLocal, CreatedAt: now, UpdatedAt: now}

	mock.ExpectExec(`^INSERT INTO users`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`^INSERT INTO users`).WillReturnError(&pq.Error{Code: "23505", Constraint: "users_email_key"})
	mock.ExpectExec(`^INSERT INTO users`).WillReturnError(&pq.Error{Code: "23505", Constraint: "users_username_key"})
	mock.ExpectExec(`^INSERT INTO users`).WillReturnError(&pq.Error{Code: "23505", Constraint: "users_pkey"})
	mock.ExpectExec(`^INSERT INTO users`).WillReturnError(&pq.Error{Code: "57014"})

	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, u))
	assert.ErrorIs(t, repo.Create(ctx, u), common.ErrDuplicateEmail)
	assert.ErrorIs(t, repo.Create(ctx, u), common.ErrDuplicateUsername)
	assert.ErrorIs(t, repo.Create(ctx, u), common.ErrConflict)

	err := repo.Create(ctx, u)
	var pqErr *pq.Error
	assert.ErrorAs(t, err, &pqErr)
}

func TestUpdate(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	locked := now.Add(15 * time.Minute)
	u := &entity.User{ID: "u1", Email: "a@example.com", Username: "alice", FailedLoginAttempts: 0, LockedUntil: &locked, UpdatedAt: now}

	q := `(?s)^UPDATE users SET email=\$2, username=\$3.*WHERE id=\$1$`
	mock.ExpectExec(q).
		WithArgs("u1", "a@example.com", "alice", nil, nil, false, false, false, 0, &locked, nil, nil, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Update(context.Background(), u))
	assert.ErrorIs(t, repo.Update(context.Background(), u), common.ErrNotFound)
}
