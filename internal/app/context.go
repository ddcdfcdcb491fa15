// Package app wires the workspace together: database, migrations and
// config resolution shared by the CLI and the server.
package app

import (
	"database/sql"
	"fmt"
	"os"

	"interlock/internal/config"
	"interlock/internal/db"
	"interlock/internal/engine"
	"interlock/internal/migrate"
)

// Context is the assembled workspace runtime.
type Context struct {
	DB        *sql.DB
	Engine    *engine.Engine
	Config    *config.Config
	Workspace string
}

// Open prepares the workspace: database opened, migrations applied,
// config loaded (defaults seeded to disk when the file is missing).
func Open(workspace string) (*Context, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault()), 0o644); err != nil {
			conn.Close()
			return nil, fmt.Errorf("seed config: %w", err)
		}
		cfg = config.Default()
	}
	return &Context{
		DB:        conn,
		Engine:    engine.New(conn, cfg),
		Config:    cfg,
		Workspace: workspace,
	}, nil
}

// Close releases the workspace database.
func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
