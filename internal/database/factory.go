package database

import (
	"context"
	"fmt"

	"securechat/internal/config"
)

// NewDatabase opens the driver selected by cfg.Type.
func NewDatabase(ctx context.Context, cfg config.DatabaseConfig) (Database, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryDB(), nil
	case "postgres":
		return NewPostgresDB(ctx, cfg.URL)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
