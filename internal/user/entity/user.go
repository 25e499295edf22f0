package entity

import "time"

const (
	ProviderLocal  = "local"
	ProviderGoogle = "google"
)

// User is a row of the `users` table and the root aggregate for every
// token kind. HashedPassword is nil for accounts without local credentials.
type User struct {
	ID                  string     `db:"id"`
	Email               string     `db:"email"`
	Username            string     `db:"username"`
	FullName            *string    `db:"full_name"`
	AuthProvider        string     `db:"auth_provider"`
	HashedPassword      *string    `db:"hashed_password"`
	EmailVerified       bool       `db:"email_verified"`
	IsActive            bool       `db:"is_active"`
	IsSuperuser         bool       `db:"is_superuser"`
	FailedLoginAttempts int        `db:"failed_login_attempts"`
	LockedUntil         *time.Time `db:"locked_until"`
	LastLogin           *time.Time `db:"last_login"`
	PasswordChangedAt   *time.Time `db:"password_changed_at"`
	CreatedAt           time.Time  `db:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at"`
}

// Public is the profile exposed by /auth/me.
type Public struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Username      string     `json:"username"`
	FullName      *string    `json:"full_name"`
	AuthProvider  string     `json:"auth_provider"`
	EmailVerified bool       `json:"email_verified"`
	IsActive      bool       `json:"is_active"`
	IsSuperuser   bool       `json:"is_superuser"`
	CreatedAt     time.Time  `json:"created_at"`
	LastLogin     *time.Time `json:"last_login"`
}

func (u *User) Public() Public {
	return Public{
		ID:            u.ID,
		Email:         u.Email,
		Username:      u.Username,
		FullName:      u.FullName,
		AuthProvider:  u.AuthProvider,
		EmailVerified: u.EmailVerified,
		IsActive:      u.IsActive,
		IsSuperuser:   u.IsSuperuser,
		CreatedAt:     u.CreatedAt,
		LastLogin:     u.LastLogin,
	}
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	c := *u
	c.FullName = clonePtr(u.FullName)
	c.HashedPassword = clonePtr(u.HashedPassword)
	c.LockedUntil = clonePtr(u.LockedUntil)
	c.LastLogin = clonePtr(u.LastLogin)
	c.PasswordChangedAt = clonePtr(u.PasswordChangedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
