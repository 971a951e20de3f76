package search

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Napageneral/isearch/internal/archive"
)

// Inquiry is a query from a surrounding service. ThreadID, when set, wins
// over Identity.
type Inquiry struct {
	Query    string `json:"query"`
	Identity string `json:"identity,omitempty"`
	ThreadID int64  `json:"thread_id,omitempty"`
	TopK     int    `json:"top_k,omitempty"`
}

// Reply is the ordered list of human-readable matches.
type Reply struct {
	ThreadID  int64    `json:"thread_id"`
	Results   []string `json:"results"`
	NoResults bool     `json:"no_results"`
}

// Responder answers inquiries without knowledge of the transport that
// carried them.
type Responder struct {
	searcher      *Searcher
	repo          *archive.Repository
	defaultThread int64
	logger        zerolog.Logger
}

// NewResponder creates a responder. defaultThread is searched when the
// requesting identity has no thread of its own; zero disables the fallback.
func NewResponder(searcher *Searcher, repo *archive.Repository, defaultThread int64, logger zerolog.Logger) *Responder {
	return &Responder{
		searcher:      searcher,
		repo:          repo,
		defaultThread: defaultThread,
		logger:        logger.With().Str("component", "responder").Logger(),
	}
}

// Answer searches the inquiry's thread. An empty index is a reply with no
// results, not an error.
func (r *Responder) Answer(ctx context.Context, in Inquiry) (Reply, error) {
	threadID, err := r.ResolveThread(ctx, in)
	if err != nil {
		return Reply{}, err
	}
	reply := Reply{ThreadID: threadID, Results: []string{}}

	resp, err := r.searcher.Search(ctx, Request{Query: in.Query, ThreadID: threadID, TopK: in.TopK})
	if errors.Is(err, ErrEmptyIndex) {
		reply.NoResults = true
		return reply, nil
	}
	if err != nil {
		return Reply{}, err
	}
	for _, res := range resp.Results {
		reply.Results = append(reply.Results, res.Rendered)
	}
	reply.NoResults = len(reply.Results) == 0
	return reply, nil
}

// ResolveThread picks the thread an inquiry targets.
func (r *Responder) ResolveThread(ctx context.Context, in Inquiry) (int64, error) {
	if in.ThreadID != 0 {
		return in.ThreadID, nil
	}
	if in.Identity != "" {
		id, err := r.repo.ThreadForIdentity(ctx, in.Identity)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, archive.ErrThreadNotFound) || r.defaultThread == 0 {
			return 0, err
		}
		r.logger.Debug().Str("identity", in.Identity).Int64("thread_id", r.defaultThread).Msg("no thread for identity, using default")
	}
	if r.defaultThread == 0 {
		return 0, fmt.Errorf("%w: no identity or default thread", archive.ErrThreadNotFound)
	}
	return r.defaultThread, nil
}
