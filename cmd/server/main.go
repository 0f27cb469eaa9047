package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/npezzotti/ephemchat/internal/api"
	"github.com/npezzotti/ephemchat/internal/cache"
	"github.com/npezzotti/ephemchat/internal/channel"
	"github.com/npezzotti/ephemchat/internal/config"
	"github.com/npezzotti/ephemchat/internal/database"
	"github.com/npezzotti/ephemchat/internal/digest"
	"github.com/npezzotti/ephemchat/internal/posts"
	"github.com/npezzotti/ephemchat/internal/presence"
	"github.com/npezzotti/ephemchat/internal/queue"
	"github.com/npezzotti/ephemchat/internal/stats"
	"github.com/npezzotti/ephemchat/internal/topics"
	"github.com/npezzotti/ephemchat/internal/worker"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	redisAddr      string
	signingKey     string
	allowedOrigins stringSliceFlag
	concurrency    int
	migrateUp      bool
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flag.StringVar(&redisAddr, "redis-addr", "localhost:6379", "redis address")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.IntVar(&concurrency, "worker-concurrency", 10, "number of concurrent background task workers")
	flag.BoolVar(&migrateUp, "migrate", false, "run database migrations on startup")
	flag.Parse()

	logger := log.New(os.Stderr, "[ephemchat] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, redisAddr, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}

	dbConn, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	if migrateUp {
		if err := dbConn.Migrate(); err != nil {
			logger.Fatal("migrate:", err)
		}
	}

	redisCache := cache.NewRedisCache(cfg.RedisAddr)
	defer redisCache.Close()

	scheduler := queue.NewAsynqScheduler(cfg.RedisAddr, cfg.EphemeralLifetime)
	defer scheduler.Close()

	statsUpdater := stats.NewStatsUpdater()
	for _, metric := range []string{
		"PostsInserted", "PostsSequenced", "ApplyCycles",
		"PresenceUpdates", "CleanupSweeps", "TopicsCreated", "DigestsSent",
	} {
		statsUpdater.RegisterMetric(metric)
	}
	statsUpdater.Run()
	defer statsUpdater.Stop()

	issuer := channel.NewTokenIssuer(cfg.SigningKey)
	hub := channel.NewHub(logger, issuer)
	go hub.Run()

	postEngine := posts.NewEngine(logger, dbConn, redisCache, scheduler, hub,
		statsUpdater, cfg.CleanupPeriod)
	presenceEngine := presence.NewEngine(logger, dbConn, redisCache, scheduler, hub,
		postEngine, statsUpdater, cfg.MaxInactive, cfg.TokenLifetime, cfg.CleanupPeriod,
		cfg.TermsVersion)
	postEngine.SetRoster(presenceEngine)

	topicEngine := topics.NewEngine(logger, dbConn, postEngine, statsUpdater, cfg.EphemeralLifetime)
	digestEngine := digest.NewEngine(logger, dbConn, scheduler, topicEngine,
		digest.NewLogMailer(logger), statsUpdater)
	presenceEngine.SetDigestEnqueuer(digestEngine)

	taskWorker := worker.NewWorker(logger, cfg.RedisAddr, concurrency,
		postEngine, presenceEngine, digestEngine)
	if err := taskWorker.Start(); err != nil {
		logger.Fatal("worker:", err)
	}

	srv := api.NewEphemChatApp(logger, dbConn, hub, postEngine, presenceEngine,
		topicEngine, cfg, statsUpdater.Handler())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down task worker...")
	taskWorker.Shutdown()

	logger.Println("shutting down channel hub...")
	hub.Shutdown()

	logger.Println("shutdown complete")
}
