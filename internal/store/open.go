package store

import (
	"context"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
)

// BackendConfig selects and configures a Backend.
type BackendConfig struct {
	Kind     string
	Dir      string
	DBPath   string
	MongoURI string
	MongoDB  string
}

// OpenBackend creates the backend named by cfg.Kind.
func OpenBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	switch cfg.Kind {
	case BackendFile, "":
		return NewFile(cfg.Dir)
	case BackendSQLite:
		return NewSQLite(cfg.DBPath)
	case BackendMongo:
		return NewMongo(ctx, cfg.MongoURI, cfg.MongoDB)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Kind)
	}
}
