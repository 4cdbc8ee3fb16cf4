package storage

import (
	"context"
	"fmt"

	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/db"
)

// Open builds the Store selected by driver: "memory", "redis" or "postgres".
func Open(ctx context.Context, driver, redisURL, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(ctx, redisURL)
	case "postgres":
		database, err := db.Connect(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(database), nil
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}
}
