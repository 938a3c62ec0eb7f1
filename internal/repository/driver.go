package repository

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/opensource-finance/loyalty/internal/domain"
)

// sqlitePragmas favour concurrent readers and a bounded wait on the write lock.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// dataSource returns the database/sql driver name and DSN for cfg.
func dataSource(cfg domain.RepositoryConfig) (string, string, error) {
	switch cfg.Driver {
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = "./loyalty.db"
		}
		q := make([]string, len(sqlitePragmas))
		for i, p := range sqlitePragmas {
			q[i] = "_pragma=" + p
		}
		return "sqlite", "file:" + path + "?" + strings.Join(q, "&"), nil

	case "postgres":
		host := cfg.PostgresHost
		if host == "" {
			host = "localhost"
		}
		port := cfg.PostgresPort
		if port == 0 {
			port = 5432
		}
		dbname := cfg.PostgresDB
		if dbname == "" {
			dbname = "loyalty"
		}
		sslmode := cfg.PostgresSSLMode
		if sslmode == "" {
			sslmode = "disable"
		}
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword),
			Host:   fmt.Sprintf("%s:%d", host, port),
			Path:   "/" + dbname,
			RawQuery: url.Values{
				"sslmode":          {sslmode},
				"application_name": {"loyalty"},
			}.Encode(),
		}
		return "postgres", u.String(), nil
	}
	return "", "", fmt.Errorf("unsupported driver: %s", cfg.Driver)
}

// open connects to the configured database and applies pool settings.
func open(cfg domain.RepositoryConfig) (*sql.DB, error) {
	driver, dsn, err := dataSource(cfg)
	if err != nil {
		return nil, err
	}

	if driver == "sqlite" {
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	switch {
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	case driver == "sqlite":
		// Wallet transactions read then write; one connection keeps SQLite
		// from failing lock upgrades with SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}
	return db, nil
}
