package storage

import (
	"errors"
	"strings"

	logx "postpilot/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory", "mem":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "":
		return nil, errors.New("storage driver is required")
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
