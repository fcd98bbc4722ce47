package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"profile-feed/feed"
	"profile-feed/feed/boltimpl"
	"profile-feed/feed/inmemoryimpl"
	"profile-feed/feed/mongoimpl"
	"profile-feed/feed/redisimpl"
	"profile-feed/feed/sqlimpl"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// openStore makes the backend selected by STORAGE_MODE.
func openStore(ctx context.Context, opts options) (feed.OrderedStore, error) {
	switch opts.StorageMode {
	case "inmemory":
		return inmemoryimpl.NewInMemoryStore(), nil
	case "bolt":
		return boltimpl.NewBoltStore(opts.BoltDB, feed.DefaultOrderField)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: opts.RedisURL})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, err
		}
		return redisimpl.NewRedisStore(client, feed.DefaultOrderField), nil
	case "mongo":
		return mongoimpl.NewMongoStore(ctx, opts.MongoURL, opts.MongoDBName, feed.DefaultOrderField)
	case "sql":
		db, err := openSQL(opts)
		if err != nil {
			return nil, err
		}
		return sqlimpl.NewSQLStore(db, sqlimpl.Options{PollInterval: opts.SQLPoll})
	}
	return nil, fmt.Errorf("unknown storage mode %q", opts.StorageMode)
}

func openSQL(opts options) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if opts.Dbg {
		cfg.Logger = logger.Default.LogMode(logger.Info)
	}
	switch opts.SQLDriver {
	case "postgres":
		return gorm.Open(postgres.Open(opts.SQLDSN), cfg)
	case "sqlite":
		if fname := sqliteFile(opts.SQLDSN); fname != "" {
			if err := os.MkdirAll(filepath.Dir(fname), 0o700); err != nil {
				return nil, err
			}
		}
		db, err := gorm.Open(sqlite.Open(opts.SQLDSN), cfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	}
	return nil, fmt.Errorf("unknown sql driver %q", opts.SQLDriver)
}

// sqliteFile extracts the database file of a sqlite DSN, empty for an
// in-memory database.
func sqliteFile(dsn string) string {
	fname := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(fname, '?'); i >= 0 {
		fname = fname[:i]
	}
	if fname == "" || fname == ":memory:" {
		return ""
	}
	return fname
}
