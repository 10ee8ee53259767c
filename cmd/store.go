package main

import (
	"context"

	"github.com/sells-group/spatial-income/internal/store"
)

// initStore opens the configured run store with migrations applied.
func initStore(ctx context.Context) (store.Store, error) {
	return store.Open(ctx, cfg.Store)
}
