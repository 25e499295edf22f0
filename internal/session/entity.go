package session

import "time"

// RefreshToken is one issued session. Only the fingerprint of the secret is held.
// Revoked never goes back to false.
type RefreshToken struct {
	ID         int64      `db:"id"`
	UserID     string     `db:"user_id"`
	TokenHash  []byte     `db:"token_hash"`
	DeviceInfo *string    `db:"device_info"`
	IPAddress  *string    `db:"ip_address"`
	ExpiresAt  time.Time  `db:"expires_at"`
	CreatedAt  time.Time  `db:"created_at"`
	Revoked    bool       `db:"revoked"`
	RevokedAt  *time.Time `db:"revoked_at"`
}

// Active reports !revoked && expires_at > now.
func (t *RefreshToken) Active(now time.Time) bool {
	return !t.Revoked && t.ExpiresAt.After(now)
}

func (t *RefreshToken) Meta() Meta {
	return Meta{ID: t.ID, DeviceInfo: t.DeviceInfo, IPAddress: t.IPAddress, CreatedAt: t.CreatedAt, ExpiresAt: t.ExpiresAt}
}

// Clone returns a deep copy.
func (t *RefreshToken) Clone() *RefreshToken {
	c := *t
	c.TokenHash = append([]byte(nil), t.TokenHash...)
	if t.DeviceInfo != nil {
		v := *t.DeviceInfo
		c.DeviceInfo = &v
	}
	if t.IPAddress != nil {
		v := *t.IPAddress
		c.IPAddress = &v
	}
	if t.RevokedAt != nil {
		v := *t.RevokedAt
		c.RevokedAt = &v
	}
	return &c
}

// Meta is the client-visible view of a session.
type Meta struct {
	ID         int64     `json:"id"`
	DeviceInfo *string   `json:"device_info"`
	IPAddress  *string   `json:"ip_address"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ClientMeta describes the caller creating a session.
type ClientMeta struct {
	DeviceInfo string
	IPAddress  string
}

func (m ClientMeta) device() *string { return optional(m.DeviceInfo) }
func (m ClientMeta) ip() *string     { return optional(m.IPAddress) }

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
