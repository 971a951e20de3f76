// Package backfill drives every unembedded message to an embedded state.
package backfill

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Napageneral/isearch/internal/archive"
	"github.com/Napageneral/isearch/internal/config"
	"github.com/Napageneral/isearch/internal/embed"
	"github.com/Napageneral/isearch/internal/metrics"
	"github.com/Napageneral/isearch/internal/state"
	"github.com/Napageneral/isearch/internal/window"
)

// Options configures a Pipeline.
type Options struct {
	BatchSize    int
	WindowSize   int
	ModelVersion int
	CommitMode   string
	// ModelID identifies the model behind ModelVersion. The first run for a
	// version records it; later runs with a different id are warned about.
	ModelID string
	// Progress is called after every batch.
	Progress func(done, total int)
	Logger   zerolog.Logger
}

// Stats summarizes a run.
type Stats struct {
	RunID    string        `json:"run_id"`
	Pending  int           `json:"pending"`
	Inserted int           `json:"inserted"`
	Existing int           `json:"existing"`
	Failed   int           `json:"failed"`
	Corrupt  int           `json:"corrupt"`
	Batches  int           `json:"batches"`
	Duration time.Duration `json:"duration"`
}

// Pipeline embeds messages batch by batch. It assumes it is the only writer
// of the embedding table.
type Pipeline struct {
	db       *sql.DB
	repo     *archive.Repository
	windows  *window.Builder
	embedder embed.Embedder
	writer   *writer
	opts     Options
	logger   zerolog.Logger
}

// New creates a pipeline. db must be the handle repo was built on.
func New(db *sql.DB, repo *archive.Repository, windows *window.Builder, embedder embed.Embedder, opts Options) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = config.DefaultBatchSize
	}
	if opts.WindowSize < 0 {
		opts.WindowSize = config.DefaultWindowSize
	}
	if opts.ModelVersion <= 0 {
		opts.ModelVersion = config.DefaultModelVersion
	}
	if opts.CommitMode == "" {
		opts.CommitMode = config.CommitBatch
	}
	return &Pipeline{
		db:       db,
		repo:     repo,
		windows:  windows,
		embedder: embedder,
		writer:   &writer{db: db, mode: opts.CommitMode, now: time.Now},
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "backfill").Logger(),
	}
}

// Run embeds until no message is missing an embedding. Cancelling ctx stops
// the run at the next batch boundary. Rows that fail to write, and corrupt
// rows, are skipped for the rest of the run and stay pending.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	start := time.Now()
	stats := Stats{RunID: uuid.NewString()}

	p.checkModel()

	pending, err := p.repo.CountMissingEmbedding(ctx, p.opts.ModelVersion)
	if err != nil {
		return stats, err
	}
	stats.Pending = pending
	metrics.PendingMessages.Set(float64(pending))

	run := &Run{
		ID:             stats.RunID,
		ModelVersion:   p.opts.ModelVersion,
		StartedAt:      start.UTC(),
		PendingAtStart: pending,
		Status:         StatusRunning,
	}
	if err := startRun(ctx, p.db, run); err != nil {
		return stats, err
	}
	p.logger.Info().
		Str("run_id", run.ID).
		Int("pending", pending).
		Int("model_version", p.opts.ModelVersion).
		Msg("backfill started")

	runErr := p.loop(ctx, &stats)

	stats.Duration = time.Since(start)
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Inserted = stats.Inserted
	run.Failed = stats.Failed
	switch {
	case runErr == nil:
		run.Status = StatusCompleted
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		run.Status = StatusInterrupted
		run.Error = runErr.Error()
	default:
		run.Status = StatusFailed
		run.Error = runErr.Error()
	}
	if err := finishRun(p.db, run); err != nil {
		p.logger.Warn().Err(err).Msg("failed to record run result")
	}

	event := p.logger.Info()
	if runErr != nil {
		event = p.logger.Error().Err(runErr)
	}
	event.Str("run_id", run.ID).
		Str("status", run.Status).
		Int("inserted", stats.Inserted).
		Int("failed", stats.Failed).
		Int("corrupt", stats.Corrupt).
		Dur("duration", stats.Duration).
		Msg("backfill finished")
	return stats, runErr
}

func (p *Pipeline) loop(ctx context.Context, stats *Stats) error {
	var excluded []int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := p.repo.FetchMissingEmbedding(ctx, archive.MissingQuery{
			ModelVersion:  p.opts.ModelVersion,
			Limit:         p.opts.BatchSize,
			ExcludeRowIDs: excluded,
		})
		if err != nil {
			return err
		}
		if batch.Len() == 0 {
			return nil
		}
		for _, c := range batch.Corrupt {
			excluded = append(excluded, c.RowID)
		}
		stats.Corrupt += len(batch.Corrupt)

		if len(batch.Messages) > 0 {
			res, err := p.embedBatch(ctx, batch.Messages)
			if err != nil {
				return err
			}
			for _, f := range res.failed {
				excluded = append(excluded, f.RowID)
				p.logger.Warn().Err(f.Err).Str("guid", f.GUID).Msg("failed to write embedding")
			}
			stats.Inserted += res.inserted
			stats.Existing += res.existing
			stats.Failed += len(res.failed)
			metrics.EmbeddingsWritten.Add(float64(res.inserted))
			metrics.EmbeddingWriteFailures.Add(float64(len(res.failed)))
		}
		stats.Batches++
		metrics.BackfillBatches.WithLabelValues("ok").Inc()

		p.logger.Debug().
			Int("batch", stats.Batches).
			Int("size", batch.Len()).
			Int("inserted", stats.Inserted).
			Msg("batch committed")
		if p.opts.Progress != nil {
			p.opts.Progress(stats.Inserted+stats.Existing, stats.Pending)
		}
	}
}

// embedBatch renders, encodes and writes one batch. An encode failure
// writes nothing.
func (p *Pipeline) embedBatch(ctx context.Context, msgs []archive.Message) (writeResult, error) {
	texts := make([]string, len(msgs))
	for i, msg := range msgs {
		w, err := p.windows.Build(ctx, msg, p.opts.WindowSize)
		if err != nil {
			return writeResult{}, err
		}
		texts[i] = p.windows.Render(w, window.EmbedFraming)
	}

	vecs, err := p.embedder.Embed(ctx, texts)
	if err == nil && len(vecs) != len(msgs) {
		err = fmt.Errorf("%w: got %d vectors for %d messages", embed.ErrEncode, len(vecs), len(msgs))
	}
	if err != nil {
		metrics.BackfillBatches.WithLabelValues("encode_error").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return writeResult{}, ctxErr
		}
		if !errors.Is(err, embed.ErrEncode) {
			err = fmt.Errorf("%w: %v", embed.ErrEncode, err)
		}
		return writeResult{}, err
	}
	return p.writer.write(ctx, msgs, vecs, p.opts.ModelVersion)
}

// checkModel records which model built this model version and warns when a
// different one is configured. Vectors from different models are not
// comparable.
func (p *Pipeline) checkModel() {
	if p.opts.ModelID == "" {
		return
	}
	recorded, err := state.SetIfAbsent(p.db, "model", strconv.Itoa(p.opts.ModelVersion), p.opts.ModelID)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to record model identity")
		return
	}
	if recorded != p.opts.ModelID {
		p.logger.Warn().
			Int("model_version", p.opts.ModelVersion).
			Str("recorded", recorded).
			Str("configured", p.opts.ModelID).
			Msg("model version was built with a different model; bump model_version")
	}
}
