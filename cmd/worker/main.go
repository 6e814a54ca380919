package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/nowcrm/dal/internal/config"
	"github.com/nowcrm/dal/internal/entitystore"
	"github.com/nowcrm/dal/internal/importer"
	"github.com/nowcrm/dal/internal/jobs"
	"github.com/nowcrm/dal/internal/pkg/distlock"
	"github.com/nowcrm/dal/internal/queue"
	"github.com/nowcrm/dal/internal/storage"
	"github.com/nowcrm/dal/internal/worker"
)

func main() {
	log.Println("Starting DAL job worker...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	var rdb *redis.Client
	var tracker *importer.ProgressTracker
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Printf("Redis unavailable, falling back to Postgres locks: %v", err)
			rdb = nil
		} else {
			tracker = importer.NewProgressTracker(rdb, cfg.Import.ProgressTTL)
			log.Println("Connected to Redis")
		}
	}

	es := entitystore.NewHTTPClient(cfg.EntityStore.BaseURL, cfg.EntityStore.APIToken)
	store := jobs.NewStore(db)
	q := queue.NewPostgresQueue(db, cfg.Worker.VisibilityTimeout)

	workerID := fmt.Sprintf("dal-worker-%s", uuid.NewString()[:8])
	pool := worker.NewPool(db, store, q, workerID, cfg.Worker.NumWorkers, cfg.Worker.PollInterval)

	massActions := worker.NewMassActions(store, es, cfg.Worker.BatchSize, cfg.Worker.BatchPause)
	massActions.RegisterAll(pool)
	pool.Register(jobs.KindImportCSV, worker.NewImportCSV(store, es, tracker, cfg.Worker.BatchSize))

	if cfg.Export.S3Bucket != "" {
		artifacts, err := storage.NewS3Store(context.Background(), cfg.Export.S3Bucket, cfg.Export.S3Region)
		if err != nil {
			log.Fatalf("Failed to set up export storage: %v", err)
		}
		pool.Register(jobs.KindExport, worker.NewExport(store, es, artifacts, cfg.Worker.BatchSize))
	} else {
		pool.Register(jobs.KindExport, worker.HandlerFunc(func(context.Context, *jobs.Job) error {
			return fmt.Errorf("export storage is not configured (set EXPORT_S3_BUCKET)")
		}))
		log.Println("Export storage not configured; export jobs will fail")
	}

	if cfg.Worker.CompletionWebhookURL != "" {
		pool.SetCompletionNotifier(worker.NewCompletionNotifier(cfg.Worker.CompletionWebhookURL))
	}

	if err := pool.Start(); err != nil {
		log.Fatalf("Failed to start worker pool: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lock := distlock.NewLock(rdb, db, "dal:recovery", cfg.Worker.RecoveryInterval)
	recovery := queue.NewRecovery(db, store, lock,
		cfg.Worker.RecoveryInterval, cfg.Worker.VisibilityTimeout, cfg.Worker.MaxDeliveries)
	go recovery.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
	pool.Stop()
	log.Println("Worker stopped")
}
