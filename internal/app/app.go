package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"ledgerflow/internal/config"
	"ledgerflow/internal/db"
	"ledgerflow/internal/engine"
	"ledgerflow/internal/ledger"
	"ledgerflow/internal/metrics"
	"ledgerflow/internal/migrate"
)

// App is an opened workspace: its database, config and a wired engine.
type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Init writes a default config for accountID into workspace. An existing
// config is kept unless force is set.
func Init(workspace, accountID string, force bool) (string, error) {
	if accountID == "" {
		return "", errors.New("account id required")
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return "", err
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("%s already exists; pass --force to overwrite", path)
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault(accountID)), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Open loads the workspace config, migrates the database and wires the
// engine to the configured ledger driver.
func Open(ctx context.Context, workspace string, logger *slog.Logger) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	l, err := NewLedger(cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	e := engine.New(conn, cfg, l)
	e.Metrics = metrics.New()
	if logger != nil {
		e.Log = logger
	}
	return &App{Workspace: workspace, DB: conn, Config: cfg, Engine: e}, nil
}

// NewLedger builds the ledger client named by cfg.Ledger.Driver.
func NewLedger(cfg *config.Config) (ledger.Ledger, error) {
	switch cfg.Ledger.Driver {
	case config.DriverMemory, "":
		return ledger.NewMemory(cfg.Ledger.DebtAsset), nil
	case config.DriverGateway:
		return ledger.NewGateway(cfg.Ledger.URL, ledger.GatewayOptions{
			Timeout: cfg.Ledger.Timeout,
			Token:   cfg.Ledger.Token,
			RPS:     cfg.Ledger.RPS,
			Burst:   cfg.Confirmation.PollBurst,
		}), nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Ledger.Driver)
	}
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}
