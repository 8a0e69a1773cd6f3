// Package bootstrap opens the backends selected in config. It is shared by
// the API, the worker and attendctl.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"campusattend/internal/attendance"
	"campusattend/internal/cloudinary"
	"campusattend/internal/config"
	"campusattend/internal/kvstore"
	"campusattend/internal/proofstore"
	"campusattend/internal/queue"
	"campusattend/internal/store"
)

// Backend names accepted in config.
const (
	BackendMemory      = "memory"
	BackendPostgres    = "postgres"
	BackendRedis       = "redis"
	BackendNATS        = "nats"
	BackendPlaceholder = "placeholder"
	BackendCloudinary  = "cloudinary"
	BackendS3          = "s3"
)

// Deps are the opened backends. Fields a process did not ask for stay nil.
type Deps struct {
	DB       *sqlx.DB
	Redis    *redis.Client
	Store    attendance.Store
	KV       kvstore.Store
	Queue    queue.Queue
	Proofs   attendance.ProofStore
	Resolver proofstore.Resolver

	closers []func()
}

// Close releases everything in reverse opening order.
func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// HealthChecks returns a probe per network dependency.
func (d *Deps) HealthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{}
	if d.DB != nil {
		checks["postgres"] = d.DB.PingContext
	}
	if d.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return d.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Open connects every backend named in cfg.
func Open(ctx context.Context, cfg config.App, log *zap.Logger) (*Deps, error) {
	d := &Deps{}
	steps := []func(context.Context, config.App, *zap.Logger) error{
		d.openStore,
		d.openRedis,
		d.openKV,
		d.openQueue,
		d.openProofs,
	}
	for _, step := range steps {
		if err := step(ctx, cfg, log); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}

// OpenDB connects only to Postgres, for tooling that needs nothing else.
func OpenDB(ctx context.Context, cfg config.App) (*sqlx.DB, error) {
	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return db, nil
}

func (d *Deps) openStore(ctx context.Context, cfg config.App, log *zap.Logger) error {
	switch cfg.StoreBackend {
	case BackendMemory:
		log.Warn("using in-memory attendance store; data is lost on restart")
		d.Store = attendance.NewMemory()
		return nil
	case BackendPostgres, "":
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return err
	}
	d.closers = append(d.closers, func() { _ = db.Close() })
	if cfg.MigrateOnStart {
		if err := store.Migrate(ctx, db.DB); err != nil {
			return err
		}
		log.Info("database migrations applied")
	}
	d.DB = db
	d.Store = attendance.NewPostgres(db)
	return nil
}

func (d *Deps) openRedis(ctx context.Context, cfg config.App, _ *zap.Logger) error {
	if cfg.KVBackend != BackendRedis && cfg.QueueBackend != BackendRedis {
		return nil
	}
	client, err := store.NewRedis(ctx, cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	d.closers = append(d.closers, func() { _ = client.Close() })
	d.Redis = client
	return nil
}

func (d *Deps) openKV(_ context.Context, cfg config.App, _ *zap.Logger) error {
	switch cfg.KVBackend {
	case BackendRedis:
		d.KV = kvstore.NewRedis(d.Redis, "campusattend:")
	case BackendMemory, "":
		d.KV = kvstore.NewMemory()
	default:
		return fmt.Errorf("unknown KV_BACKEND %q", cfg.KVBackend)
	}
	return nil
}

func (d *Deps) openQueue(_ context.Context, cfg config.App, log *zap.Logger) error {
	switch cfg.QueueBackend {
	case BackendMemory, "":
		d.Queue = queue.NewInMemory(256)
	case BackendRedis:
		d.Queue = queue.NewRedisQueue(d.Redis, cfg.QueueSubject)
	case BackendNATS:
		q, err := queue.NewNATSQueue(cfg.NATSURL, cfg.QueueSubject, "")
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		d.closers = append(d.closers, q.Close)
		d.Queue = q
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}
	log.Info("queue ready", zap.String("backend", cfg.QueueBackend), zap.String("subject", cfg.QueueSubject))
	return nil
}

func (d *Deps) openProofs(ctx context.Context, cfg config.App, log *zap.Logger) error {
	d.Resolver = proofstore.Direct{}
	switch cfg.ProofBackend {
	case BackendPlaceholder, "":
		d.Proofs = proofstore.Placeholder{}
	case BackendCloudinary:
		if !cfg.Cloudinary.Configured() {
			return fmt.Errorf("PROOF_BACKEND=cloudinary needs CLOUDINARY_CLOUD_NAME, CLOUDINARY_API_KEY and CLOUDINARY_API_SECRET")
		}
		c := cfg.Cloudinary
		d.Proofs = proofstore.NewCloudinary(cloudinary.New(c.CloudName, c.APIKey, c.APISecret, c.Folder))
	case BackendS3:
		s3, err := proofstore.NewS3(ctx, cfg.S3)
		if err != nil {
			return err
		}
		d.Proofs = s3
		d.Resolver = s3
	default:
		return fmt.Errorf("unknown PROOF_BACKEND %q", cfg.ProofBackend)
	}
	log.Info("proof store ready", zap.String("backend", cfg.ProofBackend))
	return nil
}
