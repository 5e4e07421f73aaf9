// Package cli wires the wispy-session commands.
package cli

import (
	"bufio"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wispberry-tech/wispy-session/core"
	"github.com/wispberry-tech/wispy-session/core/storage"
	"github.com/wispberry-tech/wispy-session/internal/config"
	"github.com/wispberry-tech/wispy-session/internal/logger"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCommand builds the wispy-session command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "wispy-session",
		Short:        "Session security service",
		Long:         `wispy-session serves login, session validation and logout over HTTP and runs lockout and session maintenance.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the config file (default ./configs/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")

	cmd.AddCommand(
		newServeCommand(opts),
		newCleanupCommand(opts),
		newSessionsCommand(opts),
		newLockoutCommand(opts),
		newUserCommand(opts),
		newHashCommand(),
		newSchemaCommand(opts),
	)

	return cmd
}

// app holds what every command that touches the store needs.
type app struct {
	config   *config.Config
	auth     *core.AuthService
	db       *sql.DB
	driver   string
	closeLog func() error
}

func setup(opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Logger.Level = opts.logLevel
	}

	_, closeLog, err := logger.Init(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	store, db, err := openStorage(cfg.Database)
	if err != nil {
		closeLog()
		return nil, err
	}

	authService, err := core.NewAuthService(core.Config{
		Storage:        store,
		SecurityConfig: cfg.Security.Core(),
	})
	if err != nil {
		store.Close()
		closeLog()
		return nil, fmt.Errorf("failed to initialize auth service: %w", err)
	}

	return &app{
		config:   cfg,
		auth:     authService,
		db:       db,
		driver:   cfg.Database.Driver,
		closeLog: closeLog,
	}, nil
}

func (a *app) Close() {
	a.auth.Close()
	a.closeLog()
}

func openStorage(cfg config.DatabaseConfig) (core.Storage, *sql.DB, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := storage.NewSQLiteStorage(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.DB(), nil
	case "postgres":
		s, err := storage.NewPostgresStorage(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.DB(), nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// readSecret prompts without echo on a terminal and reads one line otherwise.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		secret, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("failed to read secret: %w", err)
		}
		return string(secret), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", fmt.Errorf("no secret provided")
	}
	return secret, nil
}
