package backend

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"squirrel/internal/amqp"
	"squirrel/internal/log"
	"squirrel/internal/store"
	"squirrel/internal/store/memory"
	"squirrel/internal/storage"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) Factory {
	return &DefaultFactory{
		logger: log.OrNop(logger).WithComponent(log.ComponentBackend),
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case SQLiteBackend:
		return f.createSQLiteBackend(ctx, config)
	case MemoryBackend:
		return f.createMemoryBackend()
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

func (f *DefaultFactory) createSQLiteBackend(ctx context.Context, config Config) (*BackendResult, error) {
	repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath, config.SQLiteBusyTimeout, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
	}

	result := &BackendResult{
		Ledger:  repo,
		Ready:   repo.Ping,
		Cleanup: repo.Close,
	}

	// AMQP is optional; without it watches only see this process's commits
	if config.AMQPURL != "" {
		origin := config.Origin
		if origin == "" {
			origin = uuid.NewString()
		}
		client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, origin, f.logger)
		if err != nil {
			f.logger.WarnContext(ctx, "Failed to initialize AMQP client, continuing without change fan-out",
				log.FieldError, err.Error())
		} else {
			repo.SetPublisher(client)
			result.Ready = func(ctx context.Context) error {
				if err := repo.Ping(ctx); err != nil {
					return err
				}
				if !client.Healthy() {
					return fmt.Errorf("%w: change stream down", store.ErrUnavailable)
				}
				return nil
			}
			result.Run = func(ctx context.Context) error {
				return client.Listen(ctx, changeHandler(repo), func(err error) {
					// Watches may have missed changes while the stream was
					// down; ending them makes every session resubscribe
					// and reload a full snapshot.
					repo.DropWatches(fmt.Errorf("%w: change stream: %v", store.ErrSubscriptionLost, err))
				})
			}
			result.Cleanup = func() error {
				client.Close()
				return repo.Close()
			}
			f.logger.InfoContext(ctx, "Initialized AMQP change fan-out",
				"exchange", config.AMQPExchange, "origin", origin)
		}
	}

	f.logger.InfoContext(ctx, "Initialized SQLite backend",
		"db_path", config.SQLiteDBPath,
		"amqp_enabled", result.Run != nil)
	return result, nil
}

func (f *DefaultFactory) createMemoryBackend() (*BackendResult, error) {
	s := memory.New()
	f.logger.Info("Initialized memory backend")
	return &BackendResult{
		Ledger:  s,
		Ready:   func(context.Context) error { return nil },
		Cleanup: s.Close,
	}, nil
}

// changeHandler refreshes local watches for a change made elsewhere.
func changeHandler(repo *storage.SQLiteRepository) func(*amqp.LedgerChangedMessage) error {
	return func(msg *amqp.LedgerChangedMessage) error {
		repo.Changed(msg.UserID)
		return nil
	}
}
