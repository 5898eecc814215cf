// Package memory provides an in-memory entity payload backend for testing
// and single-process deployments.
package memory

import (
	"context"

	"github.com/gezibash/vault-node/internal/entitystore/physical"
	"github.com/gezibash/vault-node/internal/entitystore/physical/badger"
)

func init() {
	physical.Register("memory", NewFactory, Defaults)
}

// Defaults returns the default configuration for the memory backend.
func Defaults() map[string]string {
	return map[string]string{
		badger.KeyInMemory: "true",
	}
}

// NewFactory creates a new in-memory backend using BadgerDB's in-memory mode.
func NewFactory(ctx context.Context, config map[string]string) (physical.Backend, error) {
	config[badger.KeyInMemory] = "true"
	return badger.NewFactory(ctx, config)
}
