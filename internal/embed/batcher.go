package embed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Napageneral/isearch/internal/metrics"
)

const defaultMaxBatchSize = 64

// Batcher feeds an Embedder in chunks of at most maxBatchSize texts. One
// Embed call on the batcher is one logical model invocation: if any chunk
// fails the call fails and no vectors are returned.
type Batcher struct {
	inner        Embedder
	maxBatchSize int
	logger       zerolog.Logger
	metrics      *BatcherMetrics
}

// BatcherMetrics tracks batcher performance
type BatcherMetrics struct {
	mu            sync.Mutex
	BatchesSent   int
	TotalEmbedded int
	TotalErrors   int
	TotalModelMs  int64
}

// NewBatcher wraps inner.
func NewBatcher(inner Embedder, maxBatchSize int, logger zerolog.Logger) *Batcher {
	if maxBatchSize <= 0 {
		maxBatchSize = defaultMaxBatchSize
	}
	return &Batcher{
		inner:        inner,
		maxBatchSize: maxBatchSize,
		logger:       logger.With().Str("component", "embed").Logger(),
		metrics:      &BatcherMetrics{},
	}
}

// Dimensions returns the wrapped model's output size.
func (b *Batcher) Dimensions() int {
	return b.inner.Dimensions()
}

// Embed encodes texts. Errors wrap ErrEncode.
func (b *Batcher) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += b.maxBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncode, err)
		}
		end := start + b.maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := b.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (b *Batcher) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	vecs, err := b.inner.Embed(ctx, texts)
	elapsed := time.Since(start)
	if err == nil && len(vecs) != len(texts) {
		err = fmt.Errorf("model returned %d vectors for %d texts", len(vecs), len(texts))
	}
	if err == nil {
		for i, v := range vecs {
			if len(v) != b.inner.Dimensions() {
				err = fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), b.inner.Dimensions())
				break
			}
		}
	}

	metrics.EmbedDuration.Observe(elapsed.Seconds())
	b.metrics.mu.Lock()
	b.metrics.BatchesSent++
	b.metrics.TotalModelMs += elapsed.Milliseconds()
	if err != nil {
		b.metrics.TotalErrors += len(texts)
	} else {
		b.metrics.TotalEmbedded += len(texts)
	}
	b.metrics.mu.Unlock()

	if err != nil {
		metrics.EmbedCalls.WithLabelValues("error").Inc()
		b.logger.Error().Err(err).Int("texts", len(texts)).Msg("model invocation failed")
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	metrics.EmbedCalls.WithLabelValues("ok").Inc()
	b.logger.Debug().Int("texts", len(texts)).Dur("elapsed", elapsed).Msg("model invocation")
	return vecs, nil
}

// GetMetrics returns a snapshot of batcher metrics
func (b *Batcher) GetMetrics() BatcherMetrics {
	b.metrics.mu.Lock()
	defer b.metrics.mu.Unlock()
	return BatcherMetrics{
		BatchesSent:   b.metrics.BatchesSent,
		TotalEmbedded: b.metrics.TotalEmbedded,
		TotalErrors:   b.metrics.TotalErrors,
		TotalModelMs:  b.metrics.TotalModelMs,
	}
}

// Close releases the wrapped model.
func (b *Batcher) Close() error {
	return Close(b.inner)
}
