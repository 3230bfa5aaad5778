package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"

	"purchaseflow/internal/attachments"
	"purchaseflow/internal/config"
	"purchaseflow/internal/db"
	"purchaseflow/internal/engine"
	"purchaseflow/internal/migrate"
)

// Workspace is an opened purchaseflow workspace: its database, config and
// attachment directory wired into an engine.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// AttachmentsDir is where uploaded files of a workspace are stored.
func AttachmentsDir(workspace string) string {
	return filepath.Join(db.DataDir(workspace), "attachments")
}

// Open loads purchaseflow.yml (or the built-in defaults), opens and migrates
// the database, and builds the engine.
func Open(ctx context.Context, workspace string, log *slog.Logger) (*Workspace, error) {
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	store := attachments.DiskStore{
		Dir:          AttachmentsDir(workspace),
		MaxBytes:     cfg.Attachments.MaxBytes,
		AllowedTypes: cfg.Attachments.AllowedTypes,
	}
	if log == nil {
		log = slog.Default()
	}
	return &Workspace{
		Dir:    workspace,
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg, store, log),
	}, nil
}
