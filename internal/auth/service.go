// Package auth composes credentials, access tokens, refresh sessions,
// lockout and email verification into the account use cases.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth/internal/common"
	"github.com/ovaphlow/pitchfork/service-auth/internal/mail"
	"github.com/ovaphlow/pitchfork/service-auth/internal/security"
	"github.com/ovaphlow/pitchfork/service-auth/internal/session"
	"github.com/ovaphlow/pitchfork/service-auth/internal/store"
	"github.com/ovaphlow/pitchfork/service-auth/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-auth/internal/verification"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/utilities"
)

// LinkBuilder turns raw one-time tokens into the URLs mailed to users.
type LinkBuilder interface {
	VerificationLink(raw string) string
	PasswordResetLink(raw string) string
}

// Deps are the collaborators of a Service. Optional fields get defaults.
type Deps struct {
	Store         store.Store
	Hasher        security.PasswordHasher
	Fingerprinter *security.Fingerprinter
	Codec         *token.Codec
	Lock          user.LockGuard
	IDs           common.IDSource
	Links         LinkBuilder

	RefreshTTL      time.Duration
	VerificationTTL time.Duration
	ResetTTL        time.Duration

	Mailer mail.Dispatcher
	// MailTimeout bounds one dispatch. Default 5s.
	MailTimeout time.Duration
	NewUserID   func() string
	Clock       clockwork.Clock
	Logger      *zap.SugaredLogger
}

type Service struct {
	store       store.Store
	hasher      security.PasswordHasher
	codec       *token.Codec
	lock        user.LockGuard
	ledger      *session.Ledger
	emails      *verification.EmailFlow
	resets      *verification.ResetFlow
	links       LinkBuilder
	mailer      mail.Dispatcher
	mailTimeout time.Duration
	newID       func() string
	clock       clockwork.Clock
	logger      *zap.SugaredLogger
}

func NewService(d Deps) (*Service, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("auth: store is required")
	case d.Hasher == nil:
		return nil, errors.New("auth: hasher is required")
	case d.Fingerprinter == nil:
		return nil, errors.New("auth: fingerprinter is required")
	case d.Codec == nil:
		return nil, errors.New("auth: codec is required")
	case d.IDs == nil:
		return nil, errors.New("auth: id source is required")
	case d.Links == nil:
		return nil, errors.New("auth: link builder is required")
	case d.Lock.MaxAttempts < 1 || d.Lock.Duration <= 0:
		return nil, errors.New("auth: lockout threshold and duration must be positive")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	if d.Mailer == nil {
		d.Mailer = mail.NewLogDispatcher(d.Logger)
	}
	if d.MailTimeout <= 0 {
		d.MailTimeout = 5 * time.Second
	}
	if d.NewUserID == nil {
		d.NewUserID = utilities.NewKSUID
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	return &Service{
		store:       d.Store,
		hasher:      d.Hasher,
		codec:       d.Codec,
		lock:        d.Lock,
		ledger:      session.NewLedger(nil, d.Fingerprinter, d.IDs, d.RefreshTTL),
		emails:      verification.NewEmailFlow(nil, nil, d.Fingerprinter, d.IDs, d.VerificationTTL),
		resets:      verification.NewResetFlow(nil, d.Fingerprinter, d.IDs, d.ResetTTL),
		links:       d.Links,
		mailer:      d.Mailer,
		mailTimeout: d.MailTimeout,
		newID:       d.NewUserID,
		clock:       d.Clock,
		logger:      d.Logger,
	}, nil
}

// TokenPair is returned by register, login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type RegisterInput struct {
	Username string
	Email    string
	Password string
	FullName *string
}

func (s *Service) now() time.Time { return s.clock.Now().UTC() }

func (s *Service) pair(userID, refresh string, now time.Time) (*TokenPair, error) {
	access, err := s.codec.Mint(userID, now)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(s.codec.TTL() / time.Second),
	}, nil
}

// Register creates an inactive, unverified local account, a verification
// token and a first session. The verification mail goes out after commit.
func (s *Service) Register(ctx context.Context, in RegisterInput, meta session.ClientMeta) (*TokenPair, error) {
	email := NormalizeEmail(in.Email)
	if err := CheckUsername(in.Username); err != nil {
		return nil, err
	}
	if err := CheckEmail(email); err != nil {
		return nil, err
	}
	if err := CheckPassword(in.Password); err != nil {
		return nil, err
	}
	hashed, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now()
	u := &entity.User{
		ID:                s.newID(),
		Email:             email,
		Username:          in.Username,
		FullName:          in.FullName,
		AuthProvider:      entity.ProviderLocal,
		HashedPassword:    &hashed,
		PasswordChangedAt: &now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	var (
		out         *TokenPair
		verifyToken string
	)
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		users := tx.Users()
		taken, err := exists(users.GetByEmail(ctx, email))
		if err != nil {
			return err
		}
		if taken {
			return common.ErrDuplicateEmail
		}
		if taken, err = exists(users.GetByUsername(ctx, in.Username)); err != nil {
			return err
		}
		if taken {
			return common.ErrDuplicateUsername
		}
		if err := users.Create(ctx, u); err != nil {
			return err
		}
		raw, err := s.emails.WithRepos(tx.EmailVerifications(), users).Issue(ctx, u.ID, now)
		if err != nil {
			return err
		}
		verifyToken = raw
		refresh, _, err := s.ledger.WithRepo(tx.RefreshTokens()).Issue(ctx, u.ID, meta, now)
		if err != nil {
			return err
		}
		out, err = s.pair(u.ID, refresh, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("user registered", "user_id", u.ID)
	s.dispatch(ctx, mail.Message{Kind: mail.KindVerifyEmail, To: u.Email, Username: u.Username, Link: s.links.VerificationLink(verifyToken), SentAt: now})
	return out, nil
}

// exists folds a lookup result into found or not.
func exists(_ *entity.User, err error) (bool, error) {
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup user: %w", err)
	}
	return true, nil
}

// lookup resolves a login identifier: username first, then email when the
// identifier looks like one.
func lookup(ctx context.Context, users user.Repository, identifier string) (*entity.User, error) {
	u, err := users.GetByUsername(ctx, identifier)
	if errors.Is(err, common.ErrNotFound) && strings.Contains(identifier, "@") {
		return users.GetByEmail(ctx, NormalizeEmail(identifier))
	}
	return u, err
}

// Login authenticates with a password. Failure accounting is committed
// before the domain error is returned, so the transaction function records
// the outcome and returns nil.
func (s *Service) Login(ctx context.Context, identifier, password string, meta session.ClientMeta) (*TokenPair, error) {
	now := s.now()
	var (
		out     *TokenPair
		outcome error
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		users := tx.Users()
		found, err := lookup(ctx, users, identifier)
		if errors.Is(err, common.ErrNotFound) {
			outcome = ErrIncorrectCredentials
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup user: %w", err)
		}
		u, err := users.GetByIDForUpdate(ctx, found.ID)
		if errors.Is(err, common.ErrNotFound) {
			outcome = ErrIncorrectCredentials
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock user: %w", err)
		}

		if s.lock.IsLocked(u, now) {
			outcome = &LockedError{RetryAfter: s.lock.RetryAfter(u, now)}
			return nil
		}

		ok := false
		if u.HashedPassword != nil {
			ok, err = s.hasher.Verify(password, *u.HashedPassword)
			if err != nil {
				return fmt.Errorf("verify password: %w", err)
			}
		}
		if !ok {
			if s.lock.RecordFailure(u, now) {
				s.logger.Warnw("account locked", "user_id", u.ID, "until", u.LockedUntil)
			}
			u.UpdatedAt = now
			if err := users.Update(ctx, u); err != nil {
				return fmt.Errorf("record failed login: %w", err)
			}
			outcome = ErrIncorrectCredentials
			return nil
		}

		if !u.EmailVerified && u.LastLogin == nil {
			outcome = ErrEmailNotVerified
			return nil
		}
		if !u.IsActive {
			outcome = ErrAccountInactive
			return nil
		}

		s.lock.RecordSuccess(u)
		u.LastLogin = &now
		u.UpdatedAt = now
		s.rehash(u, password)
		if err := users.Update(ctx, u); err != nil {
			return fmt.Errorf("record login: %w", err)
		}
		refresh, _, err := s.ledger.WithRepo(tx.RefreshTokens()).Issue(ctx, u.ID, meta, now)
		if err != nil {
			return err
		}
		out, err = s.pair(u.ID, refresh, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return nil, outcome
	}
	return out, nil
}

// rehash upgrades a stale hash in place. Failures keep the old hash.
func (s *Service) rehash(u *entity.User, password string) {
	stale, err := s.hasher.NeedsRehash(*u.HashedPassword)
	if err != nil || !stale {
		return
	}
	fresh, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Warnw("password rehash failed", "user_id", u.ID, "err", err)
		return
	}
	u.HashedPassword = &fresh
}

// Refresh rotates the presented refresh token. When the owner is missing
// or inactive the rotation is rolled back.
func (s *Service) Refresh(ctx context.Context, raw string, meta session.ClientMeta) (*TokenPair, error) {
	now := s.now()
	var out *TokenPair
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		next, row, err := s.ledger.WithRepo(tx.RefreshTokens()).Rotate(ctx, raw, meta, now)
		if errors.Is(err, session.ErrInvalidOrExpired) {
			return ErrInvalidOrExpiredSession
		}
		if err != nil {
			return err
		}
		u, err := tx.Users().GetByID(ctx, row.UserID)
		if errors.Is(err, common.ErrNotFound) {
			return ErrUserNotFoundOrInactive
		}
		if err != nil {
			return fmt.Errorf("lookup user: %w", err)
		}
		if !u.IsActive {
			return ErrUserNotFoundOrInactive
		}
		out, err = s.pair(u.ID, next, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Logout revokes the session behind raw.
func (s *Service) Logout(ctx context.Context, raw string) error {
	now := s.now()
	return s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		found, err := s.ledger.WithRepo(tx.RefreshTokens()).RevokeOne(ctx, raw, now)
		if err != nil {
			return err
		}
		if !found {
			return ErrSessionNotFound
		}
		return nil
	})
}

// LogoutAll revokes every session of userID.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int64, error) {
	now := s.now()
	var n int64
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		n, err = s.ledger.WithRepo(tx.RefreshTokens()).RevokeAll(ctx, userID, now)
		return err
	})
	return n, err
}

func (s *Service) ListSessions(ctx context.Context, userID string) ([]session.Meta, error) {
	now := s.now()
	var out []session.Meta
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = s.ledger.WithRepo(tx.RefreshTokens()).ListActive(ctx, userID, now)
		return err
	})
	return out, err
}

// RevokeSession revokes one of the caller's sessions by id.
func (s *Service) RevokeSession(ctx context.Context, userID string, id int64) (session.RevokeResult, error) {
	now := s.now()
	var res session.RevokeResult
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		res, err = s.ledger.WithRepo(tx.RefreshTokens()).Revoke(ctx, userID, id, now)
		if errors.Is(err, session.ErrSessionNotFound) {
			return ErrSessionNotFound
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return res, nil
}

func (s *Service) VerifyEmail(ctx context.Context, raw string) (verification.Outcome, error) {
	now := s.now()
	var out verification.Outcome
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = s.emails.WithRepos(tx.EmailVerifications(), tx.Users()).Consume(ctx, raw, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	if out == verification.Success {
		s.logger.Infow("email verified")
	}
	return out, nil
}

// ResendVerification replaces the outstanding verification token of an
// unverified account. Unknown and verified addresses are ignored silently.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	now := s.now()
	var (
		u   *entity.User
		raw string
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		found, err := tx.Users().GetByEmail(ctx, email)
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup user: %w", err)
		}
		if found.EmailVerified {
			return nil
		}
		raw, err = s.emails.WithRepos(tx.EmailVerifications(), tx.Users()).Reissue(ctx, found.ID, now)
		if err != nil {
			return err
		}
		u = found
		return nil
	})
	if err != nil || u == nil {
		return err
	}
	s.dispatch(ctx, mail.Message{Kind: mail.KindVerifyEmail, To: u.Email, Username: u.Username, Link: s.links.VerificationLink(raw), SentAt: now})
	return nil
}

// RequestPasswordReset issues a reset token for an active local account.
// The caller learns nothing about whether the address exists.
func (s *Service) RequestPasswordReset(ctx context.Context, email, ip string) error {
	email = NormalizeEmail(email)
	now := s.now()
	var (
		u   *entity.User
		raw string
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		found, err := tx.Users().GetByEmail(ctx, email)
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup user: %w", err)
		}
		if !found.IsActive || found.AuthProvider != entity.ProviderLocal || found.HashedPassword == nil {
			return nil
		}
		raw, err = s.resets.WithRepo(tx.PasswordResets()).Issue(ctx, found.ID, ip, now)
		if err != nil {
			return err
		}
		u = found
		return nil
	})
	if err != nil || u == nil {
		return err
	}
	s.dispatch(ctx, mail.Message{Kind: mail.KindPasswordReset, To: u.Email, Username: u.Username, Link: s.links.PasswordResetLink(raw), SentAt: now})
	return nil
}

// ConfirmPasswordReset burns the reset token, sets the new password, lifts
// any lockout and ends every session of the owner.
func (s *Service) ConfirmPasswordReset(ctx context.Context, raw, newPassword string) error {
	if err := CheckPassword(newPassword); err != nil {
		return err
	}
	hashed, err := s.hasher.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	now := s.now()
	return s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		userID, err := s.resets.WithRepo(tx.PasswordResets()).Consume(ctx, raw, now)
		if errors.Is(err, verification.ErrInvalidOrExpired) {
			return ErrInvalidOrExpiredToken
		}
		if err != nil {
			return err
		}
		u, err := tx.Users().GetByIDForUpdate(ctx, userID)
		if errors.Is(err, common.ErrNotFound) {
			return ErrInvalidOrExpiredToken
		}
		if err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		return s.setPassword(ctx, tx, u, hashed, now)
	})
}

// ChangePassword replaces the password of an authenticated user. A wrong
// current password does not count towards lockout.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	if err := CheckPassword(next); err != nil {
		return err
	}
	hashed, err := s.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	now := s.now()
	return s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		u, err := tx.Users().GetByIDForUpdate(ctx, userID)
		if errors.Is(err, common.ErrNotFound) {
			return ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		if u.HashedPassword == nil {
			return ErrIncorrectPassword
		}
		ok, err := s.hasher.Verify(current, *u.HashedPassword)
		if err != nil {
			return fmt.Errorf("verify password: %w", err)
		}
		if !ok {
			return ErrIncorrectPassword
		}
		return s.setPassword(ctx, tx, u, hashed, now)
	})
}

func (s *Service) setPassword(ctx context.Context, tx store.Tx, u *entity.User, hashed string, now time.Time) error {
	u.HashedPassword = &hashed
	u.PasswordChangedAt = &now
	u.UpdatedAt = now
	s.lock.Unlock(u)
	if err := tx.Users().Update(ctx, u); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	n, err := s.ledger.WithRepo(tx.RefreshTokens()).RevokeAll(ctx, u.ID, now)
	if err != nil {
		return err
	}
	s.logger.Infow("password changed", "user_id", u.ID, "sessions_revoked", n)
	return nil
}

// Authenticate resolves a bearer access token to an active, unlocked user.
// Codec errors are returned unchanged.
func (s *Service) Authenticate(ctx context.Context, bearer string) (*entity.User, error) {
	claims, err := s.codec.Validate(bearer)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var u *entity.User
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		u, err = tx.Users().GetByID(ctx, claims.Subject)
		if errors.Is(err, common.ErrNotFound) {
			return ErrSubjectNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, ErrInactiveUser
	}
	if s.lock.IsLocked(u, now) {
		return nil, &LockedError{RetryAfter: s.lock.RetryAfter(u, now)}
	}
	return u, nil
}

// Unlock lifts the lockout of the account named by username or email.
func (s *Service) Unlock(ctx context.Context, identifier string) (*entity.User, error) {
	now := s.now()
	var out *entity.User
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		users := tx.Users()
		found, err := lookup(ctx, users, identifier)
		if errors.Is(err, common.ErrNotFound) {
			return ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup user: %w", err)
		}
		u, err := users.GetByIDForUpdate(ctx, found.ID)
		if err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		s.lock.Unlock(u)
		u.UpdatedAt = now
		if err := users.Update(ctx, u); err != nil {
			return fmt.Errorf("unlock user: %w", err)
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Infow("account unlocked", "user_id", out.ID)
	return out, nil
}

// EnsureSuperuser creates a verified, active superuser when no account has
// email yet. It reports whether one was created.
func (s *Service) EnsureSuperuser(ctx context.Context, email, username, password string) (bool, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return false, nil
	}
	if username == "" {
		username = email
	}
	// hash only when the account is missing
	var found bool
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		found, err = exists(tx.Users().GetByEmail(ctx, email))
		return err
	})
	if err != nil || found {
		return false, err
	}
	hashed, err := s.hasher.Hash(password)
	if err != nil {
		return false, fmt.Errorf("hash password: %w", err)
	}
	now := s.now()
	created := false
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		users := tx.Users()
		found, err := exists(users.GetByEmail(ctx, email))
		if err != nil || found {
			return err
		}
		u := &entity.User{
			ID:                s.newID(),
			Email:             email,
			Username:          username,
			AuthProvider:      entity.ProviderLocal,
			HashedPassword:    &hashed,
			EmailVerified:     true,
			IsActive:          true,
			IsSuperuser:       true,
			PasswordChangedAt: &now,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := users.Create(ctx, u); err != nil {
			if errors.Is(err, common.ErrDuplicateEmail) {
				return nil
			}
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if created {
		s.logger.Infow("superuser created", "email", email)
	}
	return created, nil
}

// dispatch hands a mail to the transport. Failures are logged only.
func (s *Service) dispatch(ctx context.Context, msg mail.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.mailTimeout)
	defer cancel()
	if err := s.mailer.Dispatch(ctx, msg); err != nil {
		s.logger.Warnw("mail dispatch failed", "kind", msg.Kind, "err", err)
	}
}
