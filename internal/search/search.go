// Package search ranks a thread's embedded messages against a query.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Napageneral/isearch/internal/archive"
	"github.com/Napageneral/isearch/internal/config"
	"github.com/Napageneral/isearch/internal/embed"
	"github.com/Napageneral/isearch/internal/metrics"
	"github.com/Napageneral/isearch/internal/vector"
	"github.com/Napageneral/isearch/internal/window"
)

var (
	// ErrEmptyIndex is returned when the thread has no embedded messages.
	ErrEmptyIndex = errors.New("search: no embedded messages in thread")
	// ErrEmptyQuery is returned for a blank query.
	ErrEmptyQuery = errors.New("search: query is required")
)

// Options configures a Searcher.
type Options struct {
	// ModelVersion must match the version the embedder built the index
	// under; scores across models are meaningless.
	ModelVersion int
	WindowSize   int
	TopK         int
	Logger       zerolog.Logger
}

// Searcher ranks the embedded messages of one thread against a query and
// renders each hit with its context window.
type Searcher struct {
	repo     *archive.Repository
	windows  *window.Builder
	embedder embed.Embedder
	opts     Options
	logger   zerolog.Logger
}

// NewSearcher creates a searcher over the index repo reads.
func NewSearcher(repo *archive.Repository, windows *window.Builder, embedder embed.Embedder, opts Options) *Searcher {
	if opts.ModelVersion <= 0 {
		opts.ModelVersion = config.DefaultModelVersion
	}
	if opts.WindowSize < 0 {
		opts.WindowSize = config.DefaultWindowSize
	}
	if opts.TopK <= 0 {
		opts.TopK = config.DefaultTopK
	}
	return &Searcher{
		repo:     repo,
		windows:  windows,
		embedder: embedder,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "search").Logger(),
	}
}

// Search returns the most similar messages in req.ThreadID, best first. A
// TopK larger than the number of candidates is clamped.
func (s *Searcher) Search(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, err := s.search(ctx, req)
	metrics.SearchDuration.Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		metrics.SearchQueries.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrEmptyIndex):
		metrics.SearchQueries.WithLabelValues("empty_index").Inc()
	default:
		metrics.SearchQueries.WithLabelValues("error").Inc()
	}
	return resp, err
}

func (s *Searcher) search(ctx context.Context, req Request) (Response, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return Response{}, ErrEmptyQuery
	}
	topK := req.TopK
	if topK <= 0 {
		topK = s.opts.TopK
	}
	resp := Response{Query: query, ThreadID: req.ThreadID, ModelVersion: s.opts.ModelVersion}

	candidates, err := s.repo.FetchThreadMessagesWithEmbeddings(ctx, req.ThreadID, s.opts.ModelVersion)
	if err != nil {
		return resp, err
	}
	if len(candidates) == 0 {
		return resp, fmt.Errorf("%w: thread %d", ErrEmptyIndex, req.ThreadID)
	}
	resp.Candidates = len(candidates)

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		if !errors.Is(err, embed.ErrEncode) {
			err = fmt.Errorf("%w: %v", embed.ErrEncode, err)
		}
		return resp, err
	}
	if len(vecs) != 1 {
		return resp, fmt.Errorf("%w: got %d vectors for one query", embed.ErrEncode, len(vecs))
	}

	stored := make([][]float32, len(candidates))
	mismatched := 0
	for i, c := range candidates {
		stored[i] = c.Vector
		if len(c.Vector) != len(vecs[0]) {
			mismatched++
		}
	}
	if mismatched > 0 {
		s.logger.Warn().
			Int("mismatched", mismatched).
			Int("query_dimensions", len(vecs[0])).
			Int("model_version", s.opts.ModelVersion).
			Msg("stored embeddings do not match the query dimension; check model_version")
	}

	top := vector.TopK(vector.Rank(vecs[0], stored), topK)
	resp.Results = make([]Result, 0, len(top))
	for _, hit := range top {
		msg := candidates[hit.Index].Message
		w, err := s.windows.Build(ctx, msg, s.opts.WindowSize)
		if err != nil {
			return resp, err
		}
		resp.Results = append(resp.Results, Result{
			GUID:      msg.GUID,
			Score:     hit.Score,
			Timestamp: msg.Time(),
			Sender:    msg.Sender(),
			Text:      msg.Content(),
			Rendered:  s.windows.Render(w, window.ResultFraming),
		})
	}

	s.logger.Debug().
		Int64("thread_id", req.ThreadID).
		Int("candidates", len(candidates)).
		Int("results", len(resp.Results)).
		Msg("search")
	return resp, nil
}
