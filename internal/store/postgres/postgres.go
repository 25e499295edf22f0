// Package postgres backs store.Store with sqlx over lib/pq.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth/internal/session"
	sessionrepo "github.com/ovaphlow/pitchfork/service-auth/internal/session/repo"
	"github.com/ovaphlow/pitchfork/service-auth/internal/store"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user"
	userrepo "github.com/ovaphlow/pitchfork/service-auth/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-auth/internal/verification"
	verificationrepo "github.com/ovaphlow/pitchfork/service-auth/internal/verification/repo"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/database"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store { return &Store{db: db} }

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return database.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		return fn(ctx, &txRepos{tx: tx})
	})
}

type txRepos struct{ tx *sqlx.Tx }

func (t *txRepos) Users() user.Repository            { return userrepo.NewUserRepo(t.tx) }
func (t *txRepos) RefreshTokens() session.Repository { return sessionrepo.NewRefreshRepo(t.tx) }
func (t *txRepos) EmailVerifications() verification.EmailRepository {
	return verificationrepo.NewEmailRepo(t.tx)
}
func (t *txRepos) PasswordResets() verification.ResetRepository {
	return verificationrepo.NewResetRepo(t.tx)
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, db *sqlx.DB, logger *zap.SugaredLogger) error {
	goose.SetBaseFS(migrations)
	if logger != nil {
		goose.SetLogger(gooseLogger{logger})
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

type gooseLogger struct{ l *zap.SugaredLogger }

func (g gooseLogger) Fatalf(format string, v ...any) { g.l.Fatalf(strings.TrimSpace(format), v...) }
func (g gooseLogger) Printf(format string, v ...any) { g.l.Infof(strings.TrimSpace(format), v...) }
