package storage

import (
	"context"
	"errors"
	"strings"

	"ceremonybot/pkg/logx"
)

// Store is the persistence API used by the token store and the bot.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error

	// SaveTokens replaces the owner's list. An empty list deletes the owner.
	SaveTokens(ctx context.Context, owner int64, tokens []string) error
	LoadTokens(ctx context.Context) (map[int64][]string, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
