package persistence

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/execflow/config"
	"github.com/BaSui01/execflow/internal/database"
)

// NewStore creates a Store based on the configuration
func NewStore(cfg *config.Config, logger *zap.Logger) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	switch StoreType(cfg.Store.Type) {
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeDatabase:
		pool, err := database.Open(cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		return NewGormStore(pool, cfg.Database.TransactionRetries, logger), nil
	case StoreTypeRedis:
		return NewRedisStore(cfg.Redis, cfg.Store.KeyPrefix, logger)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Store.Type)
	}
}
