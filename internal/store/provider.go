package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentq/agentq/internal/common/config"
	"github.com/agentq/agentq/internal/common/logger"
	"github.com/agentq/agentq/internal/db"
)

// Provide builds the configured store implementation. With persistence
// disabled it returns an in-memory store, which makes recovery a no-op.
func Provide(ctx context.Context, cfg *config.Config, log *logger.Logger) (Store, error) {
	if !cfg.Queue.EnablePersistence {
		log.Info("Persistence disabled, using in-memory store")
		return NewMemoryStore(), nil
	}

	var s Store
	switch cfg.Database.Driver {
	case "postgres":
		conn, err := db.OpenPostgres(cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		s = NewSQLStore(conn, nil, "pgx")
		log.Info("Database initialized", zap.String("db_driver", "postgres"))
	case "", "sqlite":
		writer, err := db.OpenSQLite(cfg.Queue.DBPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		reader, err := db.OpenSQLiteReader(cfg.Queue.DBPath)
		if err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		s = NewSQLStore(writer, reader, "sqlite3")
		log.Info("Database initialized",
			zap.String("db_driver", "sqlite"),
			zap.String("db_path", cfg.Queue.DBPath))
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}

	if err := s.Initialize(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}
