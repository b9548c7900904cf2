package di

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"firestore-harness/internal/harness/adapter/persistence"
	"firestore-harness/internal/harness/adapter/persistence/memory"
	"firestore-harness/internal/harness/adapter/persistence/mongodb"
	"firestore-harness/internal/harness/adapter/remote"
	"firestore-harness/internal/harness/adapter/security"
	"firestore-harness/internal/harness/config"
	"firestore-harness/internal/harness/domain/repository"
	"firestore-harness/internal/harness/metrics"
	"firestore-harness/internal/harness/usecase"
	"firestore-harness/internal/shared/logger"

	"github.com/redis/go-redis/v9"
)

// remoteSubject is the token subject the container signs for itself when
// it talks to a protected fixture server.
const remoteSubject = "harness"

// Container wires the harness from configuration: logger, metrics, the
// selected backend, the optional snapshot recorder and the token service.
type Container struct {
	mu       sync.RWMutex
	services map[reflect.Type]interface{}

	Config   *config.Config
	Logger   logger.Logger
	Metrics  *metrics.Metrics
	Backend  repository.Backend
	Recorder repository.SnapshotRecorder
	Tokens   repository.TokenService

	redis       *redis.Client
	initialized bool
}

// NewContainer creates an empty container for cfg. A nil cfg means defaults.
func NewContainer(cfg *config.Config) *Container {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Container{
		Config:   cfg,
		services: make(map[reflect.Type]interface{}),
	}
}

// Initialize builds every component. Calling it twice is a no-op.
func (c *Container) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}

	if c.Logger == nil {
		c.Logger = logger.New(logger.Config{
			Level:       c.Config.Log.Level,
			Format:      c.Config.Log.Format,
			Backend:     c.Config.Log.Backend,
			Environment: c.Config.Log.Environment,
		})
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}

	if c.Config.Server.JWTSecret != "" {
		tokens, err := security.NewJWTokenService(c.Config.Server)
		if err != nil {
			return fmt.Errorf("failed to create token service: %w", err)
		}
		c.Tokens = tokens
	}

	backend, err := c.newBackend(ctx)
	if err != nil {
		return err
	}
	c.Backend = backend

	if c.Config.Harness.RecordSnapshots {
		client := config.NewRedisClient(c.Config.Redis)
		recorder := persistence.NewRedisSnapshotRecorder(client,
			c.Config.Redis.StreamMaxLength, c.Config.Redis.StreamTTL, c.Logger)
		if err := recorder.Ping(ctx); err != nil {
			_ = client.Close()
			_ = backend.Close(ctx)
			return fmt.Errorf("failed to connect to redis at %s: %w", c.Config.Redis.GetAddr(), err)
		}
		c.redis = client
		c.Recorder = recorder
	}

	c.registerLocked(c.Config)
	c.registerAsLocked(reflect.TypeOf((*logger.Logger)(nil)).Elem(), c.Logger)
	c.registerLocked(c.Metrics)
	c.registerAsLocked(reflect.TypeOf((*repository.Backend)(nil)).Elem(), c.Backend)
	if c.Recorder != nil {
		c.registerAsLocked(reflect.TypeOf((*repository.SnapshotRecorder)(nil)).Elem(), c.Recorder)
	}
	if c.Tokens != nil {
		c.registerAsLocked(reflect.TypeOf((*repository.TokenService)(nil)).Elem(), c.Tokens)
	}

	c.initialized = true
	c.Logger.WithFields(map[string]interface{}{
		"backend":   backend.Name(),
		"recording": c.Recorder != nil,
		"auth":      c.Tokens != nil,
	}).Info("harness container initialized")
	return nil
}

func (c *Container) newBackend(ctx context.Context) (repository.Backend, error) {
	switch kind := c.Config.EffectiveBackend(); kind {
	case config.BackendMemory:
		b, err := memory.NewBackend(c.Logger, memory.WithMetrics(c.Metrics))
		if err != nil {
			return nil, fmt.Errorf("failed to create memory backend: %w", err)
		}
		return b, nil

	case config.BackendMongoDB:
		b, err := mongodb.Connect(ctx, c.Config.Mongo.URI, c.Config.Mongo.Database, c.Logger,
			mongodb.WithExpireAtField(c.Config.Harness.ExpireAtField),
			mongodb.WithMetrics(c.Metrics))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		if err := b.EnsureIndexes(ctx); err != nil {
			_ = b.Close(ctx)
			return nil, fmt.Errorf("failed to create MongoDB indexes: %w", err)
		}
		return b, nil

	case config.BackendRemote:
		opts := []remote.Option{remote.WithListenPath(c.Config.Server.ListenPath)}
		if c.Tokens != nil {
			token, err := c.Tokens.GenerateToken(ctx, remoteSubject, "")
			if err != nil {
				return nil, fmt.Errorf("failed to sign remote token: %w", err)
			}
			opts = append(opts, remote.WithToken(token))
		}
		b, err := remote.NewBackend(c.Config.RemoteBaseURL(), c.Logger, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create remote backend: %w", err)
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

// NewHelper returns a test helper over the container's backend with the
// configured TTL, bookkeeping fields, page bound and recorder.
func (c *Container) NewHelper(collection, runID string) *usecase.TestHelper {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return usecase.NewTestHelper(c.Backend, collection, usecase.HelperOptions{
		RunID:         runID,
		TTL:           c.Config.Harness.DocumentTTL,
		RunIDField:    c.Config.Harness.RunIDField,
		ExpireAtField: c.Config.Harness.ExpireAtField,
		MaxPages:      c.Config.Harness.MaxPages,
		Metrics:       c.Metrics,
		Recorder:      c.Recorder,
		Logger:        c.Logger,
	})
}

// NewSweeper returns a sweeper over the container's backend.
func (c *Container) NewSweeper() *usecase.Sweeper {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return usecase.NewSweeper(c.Backend, c.Backend, c.Config.Harness.ExpireAtField, c.Logger,
		usecase.WithSweeperMetrics(c.Metrics))
}

// Collections lists the collections the backend currently holds. Backends
// that cannot enumerate collections yield nil.
func (c *Container) Collections(ctx context.Context) []string {
	c.mu.RLock()
	backend, log := c.Backend, c.Logger
	c.mu.RUnlock()

	switch b := backend.(type) {
	case interface{ Collections() []string }:
		return b.Collections()
	case interface {
		Collections(context.Context) ([]string, error)
	}:
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		colls, err := b.Collections(ctx)
		if err != nil {
			log.WithFields(map[string]interface{}{"error": err}).Warn("Failed to list collections")
			return nil
		}
		return colls
	default:
		return nil
	}
}

func (c *Container) registerLocked(service interface{}) {
	serviceType := reflect.TypeOf(service)
	if serviceType.Kind() == reflect.Ptr {
		serviceType = serviceType.Elem()
	}
	c.services[serviceType] = service
}

func (c *Container) registerAsLocked(serviceType reflect.Type, service interface{}) {
	c.services[serviceType] = service
}

// Register adds a service keyed by its concrete type.
func (c *Container) Register(service interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registerLocked(service)
}

// Resolve looks a service up by type.
func (c *Container) Resolve(serviceType reflect.Type) (interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if service, ok := c.services[serviceType]; ok {
		return service, nil
	}
	return nil, fmt.Errorf("service of type %v not registered", serviceType)
}

// GetService resolves a service by its static type. Interface types are
// looked up as registered by Initialize; pointer types by their element.
func GetService[T any](c *Container) (T, error) {
	var zero T
	serviceType := reflect.TypeOf((*T)(nil)).Elem()
	if serviceType.Kind() == reflect.Ptr {
		serviceType = serviceType.Elem()
	}

	service, err := c.Resolve(serviceType)
	if err != nil {
		return zero, err
	}
	typed, ok := service.(T)
	if !ok {
		return zero, fmt.Errorf("service is not of expected type %T", zero)
	}
	return typed, nil
}

// HealthCheck pings the backend and, when recording, Redis.
func (c *Container) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Backend != nil {
		if err := c.Backend.Ping(ctx); err != nil {
			return fmt.Errorf("%s backend health check failed: %w", c.Backend.Name(), err)
		}
	}
	if c.redis != nil {
		if err := c.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	return nil
}

// Close releases the backend and the Redis client in reverse order of
// construction.
func (c *Container) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
		c.redis, c.Recorder = nil, nil
	}
	if c.Backend != nil {
		if err := c.Backend.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s backend: %w", c.Backend.Name(), err))
		}
		c.Backend = nil
	}
	c.services = make(map[reflect.Type]interface{})
	c.initialized = false

	if len(errs) > 0 {
		return fmt.Errorf("cleanup errors: %v", errs)
	}
	return nil
}
