// Command authctl runs one-off administrative tasks against the auth database.
//
//	authctl migrate
//	authctl unlock <username-or-email>
//	authctl create-superuser [-email e] [-username u] [-password p]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth/internal/app"
	"github.com/ovaphlow/pitchfork/service-auth/internal/auth"
	"github.com/ovaphlow/pitchfork/service-auth/internal/config"
	"github.com/ovaphlow/pitchfork/service-auth/internal/store/postgres"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/database"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/utilities"
)

const usage = `usage: authctl <command> [arguments]

commands:
  migrate                 apply pending schema migrations
  unlock <identifier>     clear the failed-login lock of a user
  create-superuser        create the first superuser if the email is unused
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cfg := config.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()
	sugar := lg.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar, os.Args[1], os.Args[2:]); err != nil {
		sugar.Errorw("authctl failed", "command", os.Args[1], "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger, cmd string, args []string) error {
	switch cmd {
	case "migrate", "unlock", "create-superuser":
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}

	if err := app.CheckConfig(cfg, logger); err != nil {
		return err
	}

	db, err := database.Connect(ctx, database.ConfigFromEnv())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := postgres.Migrate(ctx, db, logger); err != nil {
		return err
	}
	if cmd == "migrate" {
		return nil
	}

	svc, err := app.NewAuthService(cfg, postgres.New(db), nil, logger)
	if err != nil {
		return err
	}
	switch cmd {
	case "unlock":
		return unlock(ctx, svc, args)
	default:
		return createSuperuser(ctx, svc, cfg, args)
	}
}

func unlock(ctx context.Context, svc *auth.Service, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("unlock takes exactly one identifier")
	}
	u, err := svc.Unlock(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("unlocked %s (%s)\n", u.Username, u.ID)
	return nil
}

func createSuperuser(ctx context.Context, svc *auth.Service, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("create-superuser", flag.ContinueOnError)
	email := fs.String("email", cfg.FirstSuperuser, "superuser email")
	username := fs.String("username", cfg.FirstSuperuserUsername, "superuser username")
	password := fs.String("password", cfg.FirstSuperuserPassword, "superuser password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return fmt.Errorf("an email is required (-email or FIRST_SUPERUSER)")
	}
	if err := auth.CheckPassword(*password); err != nil {
		return err
	}
	created, err := svc.EnsureSuperuser(ctx, *email, *username, *password)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("superuser %s created\n", *email)
	} else {
		fmt.Printf("an account with email %s already exists\n", *email)
	}
	return nil
}
