package verification

import "time"

// EmailVerificationToken proves ownership of a user's email. It is deleted on use.
type EmailVerificationToken struct {
	ID        int64     `db:"id"`
	UserID    string    `db:"user_id"`
	TokenHash []byte    `db:"token_hash"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}

func (t *EmailVerificationToken) Clone() *EmailVerificationToken {
	c := *t
	c.TokenHash = append([]byte(nil), t.TokenHash...)
	return &c
}

// PasswordResetToken authorizes one password change. It is kept after use with Used set.
type PasswordResetToken struct {
	ID        int64     `db:"id"`
	UserID    string    `db:"user_id"`
	TokenHash []byte    `db:"token_hash"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
	Used      bool      `db:"used"`
	IPAddress *string   `db:"ip_address"`
}

func (t *PasswordResetToken) Clone() *PasswordResetToken {
	c := *t
	c.TokenHash = append([]byte(nil), t.TokenHash...)
	if t.IPAddress != nil {
		v := *t.IPAddress
		c.IPAddress = &v
	}
	return &c
}
