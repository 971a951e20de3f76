// Package embed provides the sentence-embedding model handle.
package embed

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/Napageneral/isearch/internal/config"
)

// ErrEncode marks a failed model invocation. The whole call fails; no
// partial results are returned.
var ErrEncode = errors.New("embed: encode failed")

// Embedder maps texts to fixed-dimension vectors, one per text, in input
// order. Implementations are deterministic for a fixed model.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// New builds the embedder selected by cfg, wrapped in a Batcher.
func New(cfg config.EmbedderConfig, logger zerolog.Logger) (*Batcher, error) {
	var (
		inner Embedder
		err   error
	)
	switch cfg.Provider {
	case config.ProviderHash:
		inner = NewHashEmbedder(cfg.Dimensions)
	case config.ProviderONNX:
		inner, err = newONNX(cfg, logger)
	default:
		err = fmt.Errorf("embed: unknown provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewBatcher(inner, cfg.MaxBatch, logger), nil
}

// Close releases model resources if the embedder holds any.
func Close(e Embedder) error {
	if c, ok := e.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
