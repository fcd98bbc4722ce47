package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"profile-feed/auth"
	"profile-feed/feed"
	"profile-feed/httpapi"

	log "github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

type options struct {
	Addr        string `long:"addr" env:"ADDR" default:"0.0.0.0:8080" description:"listen address"`
	StorageMode string `long:"storage" env:"STORAGE_MODE" default:"inmemory" choice:"inmemory" choice:"bolt" choice:"redis" choice:"mongo" choice:"sql" description:"storage backend"`

	BoltDB      string        `long:"bolt-db" env:"BOLT_DB" default:"var/profile-feed.bdb" description:"bolt db file"`
	RedisURL    string        `long:"redis-url" env:"REDIS_URL" default:"localhost:6379" description:"redis address"`
	MongoURL    string        `long:"mongo-url" env:"MONGO_URL" default:"mongodb://localhost:27017" description:"mongo url, needs a replica set"`
	MongoDBName string        `long:"mongo-db" env:"MONGO_DB_NAME" default:"profile_feed" description:"mongo database"`
	SQLDriver   string        `long:"sql-driver" env:"SQL_DRIVER" default:"sqlite" choice:"sqlite" choice:"postgres" description:"sql driver"`
	SQLDSN      string        `long:"sql-dsn" env:"SQL_DSN" default:"var/profile-feed.sqlite" description:"sql data source"`
	SQLPoll     time.Duration `long:"sql-poll" env:"SQL_POLL" default:"500ms" description:"new records poll interval"`

	JWTSecret  string        `long:"jwt-secret" env:"JWT_SECRET" required:"true" description:"token signing secret"`
	TokenTTL   time.Duration `long:"token-ttl" env:"TOKEN_TTL" default:"24h" description:"token lifetime"`
	SessionTTL time.Duration `long:"session-ttl" env:"SESSION_TTL" default:"15m" description:"idle feed lifetime"`

	PageSize     int           `long:"page-size" env:"PAGE_SIZE" default:"4" description:"posts per page"`
	QueryTimeout time.Duration `long:"query-timeout" env:"QUERY_TIMEOUT" default:"10s" description:"range query timeout"`
	RateLimit    float64       `long:"rate-limit" env:"RATE_LIMIT" default:"10" description:"requests per second per client, 0 to disable"`
	MaxWait      time.Duration `long:"max-wait" env:"MAX_WAIT" default:"10s" description:"long-poll cap"`

	Seed string `long:"seed" env:"SEED_FILE" description:"yaml file with users and posts to load"`
	Dbg  bool   `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var revision = "local"

func main() {
	fmt.Printf("profile-feed %s\n", revision)
	_ = godotenv.Load()
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	setupLog(opts.Dbg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, opts)
	if err != nil {
		log.Fatalf("[ERROR] can't open %s store, %v", opts.StorageMode, err)
	}

	if opts.Seed != "" {
		seed, err := loadSeed(opts.Seed)
		if err != nil {
			log.Fatalf("[ERROR] can't load seed %s, %v", opts.Seed, err)
		}
		if err := seed.apply(ctx, store); err != nil {
			log.Fatalf("[ERROR] can't apply seed %s, %v", opts.Seed, err)
		}
	}

	feeds := httpapi.NewRegistry(store, opts.SessionTTL, feed.Options{
		PageSize:     opts.PageSize,
		QueryTimeout: opts.QueryTimeout,
	})
	srv := httpapi.NewServer(httpapi.Config{
		Addr:      opts.Addr,
		Version:   revision,
		RateLimit: opts.RateLimit,
		MaxWait:   opts.MaxWait,
	}, store, auth.NewService(opts.JWTSecret, opts.TokenTTL), feeds)

	go func() {
		log.Printf("[INFO] listen on %s, storage %s", opts.Addr, opts.StorageMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[ERROR] server failed, %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[INFO] shutting down")
	if err := shutdown(srv, feeds, store); err != nil {
		log.Printf("[WARN] shutdown, %v", err)
	}
}

func shutdown(srv *http.Server, feeds *httpapi.Registry, store feed.OrderedStore) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs *multierror.Error
	if err := srv.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := feeds.CloseAll(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := store.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("store: %w", err))
	}
	return errs.ErrorOrNil()
}

func setupLog(dbg bool) {
	if dbg {
		log.Setup(log.Debug, log.CallerFile, log.Msec, log.LevelBraces)
		return
	}
	log.Setup(log.Msec, log.LevelBraces)
}
