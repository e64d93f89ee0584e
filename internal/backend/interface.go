package backend

import (
	"context"
	"time"

	"squirrel/internal/store"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// BackendResult contains the ledger store and the hooks its owner runs.
type BackendResult struct {
	Ledger store.Ledger
	// Ready reports whether the store answers. Never nil.
	Ready func(ctx context.Context) error
	// Run, when set, keeps background plumbing such as the cross-process
	// change listener alive until ctx ends.
	Run     func(ctx context.Context) error
	Cleanup CleanupFunc
}

// Factory creates backends based on configuration
type Factory interface {
	// CreateBackend creates a backend instance based on the provided config
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	// Backend type
	Type BackendType

	// SQLite configuration
	SQLiteDBPath      string
	SQLiteBusyTimeout time.Duration

	// AMQP change fan-out, optional
	AMQPURL      string
	AMQPExchange string
	// Origin identifies this process on the change exchange. Generated when
	// empty.
	Origin string
}

// BackendType represents the type of backend to use
type BackendType string

const (
	MemoryBackend BackendType = "memory"
	SQLiteBackend BackendType = "sqlite"
)

// IsValid checks if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case MemoryBackend, SQLiteBackend:
		return true
	default:
		return false
	}
}

func (bt BackendType) String() string {
	return string(bt)
}
