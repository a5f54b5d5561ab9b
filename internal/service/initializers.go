package service

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/internal/config"
	"github.com/xkilldash9x/rocker/internal/page"
	"github.com/xkilldash9x/rocker/internal/page/cdppage"
	"github.com/xkilldash9x/rocker/internal/page/htmlpage"
	"github.com/xkilldash9x/rocker/internal/prefs"
	"github.com/xkilldash9x/rocker/internal/store"
)

// InitializeStores connects to PostgreSQL when a URL is configured and
// falls back to in-memory stores otherwise. The returned pool is nil for
// the fallback.
func InitializeStores(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Stores, *pgxpool.Pool, error) {
	if cfg.URL == "" {
		logger.Warn("No database configured; selector memory and chat history are kept in memory and lost on exit.")
		return inMemoryStores(), nil, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return Stores{}, nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return Stores{}, nil, fmt.Errorf("unable to create database connection pool: %w", err)
	}
	db, err := store.New(connectCtx, pool, logger)
	if err != nil {
		pool.Close()
		return Stores{}, nil, err
	}
	if err := db.Migrate(connectCtx); err != nil {
		pool.Close()
		return Stores{}, nil, err
	}
	logger.Info("Connected to PostgreSQL store.", zap.String("host", poolConfig.ConnConfig.Host))
	return Stores{Memory: db, Learning: db, History: db}, pool, nil
}

// InitializePrefs opens the sqlite preference file. A file that cannot be
// opened is not fatal: preferences then last for this process only.
func InitializePrefs(ctx context.Context, cfg config.PrefsConfig, logger *zap.Logger) *prefs.Store {
	kv, err := prefs.OpenSQLite(ctx, cfg.Path)
	if err != nil {
		logger.Warn("Could not open preference store; preferences will not persist.", zap.String("path", cfg.Path), zap.Error(err))
		return prefs.NewStore(prefs.NewMemoryKV(), logger)
	}
	return prefs.NewStore(kv, logger)
}

// OpenPage picks a page backend. A live page drives a browser tab, opened
// at source when one is given. A static page parses source, which is an
// http(s) URL, a directory of route files or a single HTML file. The
// returned release function is never nil.
func OpenPage(ctx context.Context, cfg config.Interface, source string, static bool, logger *zap.Logger) (page.Page, func(), error) {
	if !static {
		browserCfg := cfg.Browser()
		if source != "" {
			browserCfg.StartURL = source
		}
		p, release, err := cdppage.Launch(ctx, browserCfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return p, release, nil
	}

	noop := func() {}
	if source == "" {
		return nil, nil, fmt.Errorf("a static page needs a URL, directory or HTML file")
	}
	opts := []htmlpage.Option{htmlpage.WithScrollStep(cfg.Browser().ScrollStep)}

	if u, err := url.Parse(source); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		route := u.Path
		if route == "" {
			route = "/"
		}
		base := u.Scheme + "://" + u.Host
		p, err := htmlpage.Open(ctx, route, htmlpage.HTTPLoader(base, nil), opts...)
		if err != nil {
			return nil, nil, err
		}
		return p, noop, nil
	}

	path, err := homedir.Expand(source)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid path %s: %w", source, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	if info.IsDir() {
		p, err := htmlpage.Open(ctx, "/", htmlpage.DirLoader(path), opts...)
		if err != nil {
			return nil, nil, err
		}
		return p, noop, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	p, err := htmlpage.New("/", f, opts...)
	if err != nil {
		return nil, nil, err
	}
	return p, noop, nil
}
