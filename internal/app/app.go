// Package app assembles the auth service from configuration. Both the API
// server and authctl build through it.
package app

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth/internal/auth"
	"github.com/ovaphlow/pitchfork/service-auth/internal/config"
	"github.com/ovaphlow/pitchfork/service-auth/internal/mail"
	"github.com/ovaphlow/pitchfork/service-auth/internal/security"
	"github.com/ovaphlow/pitchfork/service-auth/internal/store"
	"github.com/ovaphlow/pitchfork/service-auth/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/utilities"
)

// CheckConfig validates cfg, logging each warning. Every binary runs it
// before touching the database or building keys.
func CheckConfig(cfg config.Config, logger *zap.SugaredLogger) error {
	warnings, err := cfg.Validate()
	for _, w := range warnings {
		logger.Warnw("insecure configuration", "detail", w)
	}
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// NewAuthService wires hashing, token and id components from cfg around st.
// A nil mailer falls back to logging.
func NewAuthService(cfg config.Config, st store.Store, mailer mail.Dispatcher, logger *zap.SugaredLogger) (*auth.Service, error) {
	iterations, memoryKB, lanes, err := cfg.Argon2()
	if err != nil {
		return nil, err
	}
	hasher, err := security.NewArgon2Hasher(security.Argon2Params{
		Time:        iterations,
		Memory:      memoryKB,
		Parallelism: lanes,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		return nil, fmt.Errorf("argon2: %w", err)
	}
	fp, err := security.NewFingerprinter([]byte(cfg.RefreshTokenFingerprintK))
	if err != nil {
		return nil, fmt.Errorf("fingerprinter: %w", err)
	}
	codec, err := token.NewCodec(token.Config{
		Secret: []byte(cfg.AccessTokenSecret),
		Issuer: cfg.ProjectName,
		TTL:    cfg.AccessTokenTTL,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("token codec: %w", err)
	}
	ids, err := utilities.NewIDGeneratorFromEnv()
	if err != nil {
		return nil, fmt.Errorf("id generator: %w", err)
	}
	if mailer == nil {
		mailer = mail.NewLogDispatcher(logger)
	}
	return auth.NewService(auth.Deps{
		Store:           st,
		Hasher:          hasher,
		Fingerprinter:   fp,
		Codec:           codec,
		Lock:            user.LockGuard{MaxAttempts: cfg.MaxFailedLoginAttempts, Duration: cfg.LockoutDuration},
		IDs:             ids,
		Links:           cfg,
		RefreshTTL:      cfg.RefreshTokenTTL,
		VerificationTTL: cfg.EmailVerificationTTL,
		ResetTTL:        cfg.PasswordResetTTL,
		Mailer:          mailer,
		Logger:          logger,
	})
}
