package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Napageneral/isearch/internal/archive"
	"github.com/Napageneral/isearch/internal/config"
	"github.com/Napageneral/isearch/internal/db"
	"github.com/Napageneral/isearch/internal/embed"
	"github.com/Napageneral/isearch/internal/search"
	"github.com/Napageneral/isearch/internal/window"
)

// lineCacheSize bounds rendered context lines kept across a run.
const lineCacheSize = 1 << 16

// runtime holds the process-wide handles, opened once and released on exit.
type runtime struct {
	cfg      *config.Config
	logger   zerolog.Logger
	db       *sql.DB
	repo     *archive.Repository
	windows  *window.Builder
	embedder *embed.Batcher
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Format == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// openRuntime opens the store and, when withModel is set, loads the
// embedding model.
func openRuntime(cfg *config.Config, logger zerolog.Logger, withModel bool) (*runtime, error) {
	conn, err := db.Open(cfg.IndexPath, cfg.ArchivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	rt := &runtime{cfg: cfg, logger: logger, db: conn}
	rt.repo = archive.NewRepository(conn, logger)

	rt.windows, err = window.NewBuilder(rt.repo, window.Options{CacheLines: lineCacheSize, Logger: logger})
	if err != nil {
		rt.Close()
		return nil, err
	}

	if withModel {
		rt.embedder, err = embed.New(cfg.Embedder, logger)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to load embedder: %w", err)
		}
	}
	return rt, nil
}

func (rt *runtime) searcher() *search.Searcher {
	return search.NewSearcher(rt.repo, rt.windows, rt.embedder, search.Options{
		ModelVersion: rt.cfg.ModelVersion,
		WindowSize:   rt.cfg.WindowSize,
		TopK:         rt.cfg.TopK,
		Logger:       rt.logger,
	})
}

func (rt *runtime) responder() *search.Responder {
	return search.NewResponder(rt.searcher(), rt.repo, rt.cfg.DefaultThread, rt.logger)
}

func (rt *runtime) Close() {
	if rt.embedder != nil {
		if err := rt.embedder.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("failed to release embedder")
		}
	}
	if rt.windows != nil {
		rt.windows.Close()
	}
	if rt.db != nil {
		rt.db.Close()
	}
}

// modelID names the model behind a model version.
func modelID(cfg config.EmbedderConfig) string {
	name := cfg.Provider
	if cfg.ModelPath != "" {
		name += ":" + filepath.Base(cfg.ModelPath)
	}
	return fmt.Sprintf("%s:%d", name, cfg.Dimensions)
}
