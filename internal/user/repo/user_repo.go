package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-auth/internal/common"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/database"
)

const userColumns = `id, email, username, full_name, auth_provider, hashed_password,
	email_verified, is_active, is_superuser, failed_login_attempts, locked_until,
	last_login, password_changed_at, created_at, updated_at`

// UserRepo provides data access for the users table using sqlx.
// db may be a pool or a transaction.
type UserRepo struct {
	db database.Queryer
}

func NewUserRepo(db database.Queryer) *UserRepo { return &UserRepo{db: db} }

// Create inserts a new user row.
func (r *UserRepo) Create(ctx context.Context, u *entity.User) error {
	const q = `INSERT INTO users (` + userColumns + `)
		VALUES (:id, :email, :username, :full_name, :auth_provider, :hashed_password,
			:email_verified, :is_active, :is_superuser, :failed_login_attempts, :locked_until,
			:last_login, :password_changed_at, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.db, q, u); err != nil {
		return mapUniqueViolation(err)
	}
	return nil
}

// GetByID fetches a full user row.
func (r *UserRepo) GetByID(ctx context.Context, id string) (*entity.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id)
}

// GetByIDForUpdate fetches the row and locks it for the rest of the transaction.
func (r *UserRepo) GetByIDForUpdate(ctx context.Context, id string) (*entity.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1 FOR UPDATE`, id)
}

// GetByUsername fetches by exact username.
func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*entity.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username)
}

// GetByEmail fetches by email (case-insensitive due to citext).
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*entity.User, error) {
	return r.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email)
}

// Update writes all mutable columns.
func (r *UserRepo) Update(ctx context.Context, u *entity.User) error {
	const q = `UPDATE users SET email=$2, username=$3, full_name=$4, hashed_password=$5,
		email_verified=$6, is_active=$7, is_superuser=$8, failed_login_attempts=$9,
		locked_until=$10, last_login=$11, password_changed_at=$12, updated_at=$13
		WHERE id=$1`
	res, err := r.db.ExecContext(ctx, q,
		u.ID, u.Email, u.Username, u.FullName, u.HashedPassword,
		u.EmailVerified, u.IsActive, u.IsSuperuser, u.FailedLoginAttempts,
		u.LockedUntil, u.LastLogin, u.PasswordChangedAt, u.UpdatedAt,
	)
	if err != nil {
		return mapUniqueViolation(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *UserRepo) getOne(ctx context.Context, q string, args ...any) (*entity.User, error) {
	var u entity.User
	if err := r.db.GetContext(ctx, &u, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// mapUniqueViolation turns a 23505 on a users unique key into the matching sentinel.
func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return err
	}
	switch pqErr.Constraint {
	case "users_email_key":
		return common.ErrDuplicateEmail
	case "users_username_key":
		return common.ErrDuplicateUsername
	default:
		return fmt.Errorf("%w: %s", common.ErrConflict, pqErr.Constraint)
	}
}
