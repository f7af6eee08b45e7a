package main

import (
	"log"
	"os"
	"time"

	"ragrelay/internal/api"
	"ragrelay/internal/config"
	"ragrelay/internal/redis"
	"ragrelay/internal/service/health"
	"ragrelay/internal/service/recorder"
	"ragrelay/internal/service/relay"
	"ragrelay/internal/service/upstream"
	"ragrelay/internal/storage"
	"ragrelay/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.Load(os.Getenv("RAGRELAY_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("RAGRELAY_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache, err = redis.NewClient(cfg)
		if err != nil {
			log.Printf("redis unavailable, continuing without cache: %v", err)
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	loc, err := time.LoadLocation(cfg.BasicConfig.ExportTimezone)
	if err != nil {
		log.Printf("unknown timezone %q, using UTC", cfg.BasicConfig.ExportTimezone)
		loc = time.UTC
	}

	rec := recorder.NewService(db, cache, loc)

	client, err := upstream.NewClient(cfg.Upstream)
	if err != nil {
		log.Fatalf("init upstream client: %v", err)
	}
	monitor := health.NewMonitor(client, cfg.Upstream.HealthTTL(), cfg.Upstream.ProbeTimeoutDuration())
	relaySvc := relay.NewService(relay.WrapClient(client), rec, monitor, cfg.Upstream)

	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		MinWorkers: 4,
		MaxWorkers: 64,
		QueueSize:  256,
	})

	router := gin.Default()
	handler := api.NewHandler(relaySvc, rec, monitor, dispatcher, cfg.BasicConfig.FrontendDir)
	handler.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("listening on %s (db=%s, upstream configured=%v)", addr, dbType, client.Configured())
	if err := router.Run(addr); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
