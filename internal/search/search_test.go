package search

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Napageneral/isearch/internal/archive"
	"github.com/Napageneral/isearch/internal/backfill"
	"github.com/Napageneral/isearch/internal/embed"
	"github.com/Napageneral/isearch/internal/testutil"
	"github.com/Napageneral/isearch/internal/vector"
	"github.com/Napageneral/isearch/internal/window"
)

// fixedEmbedder returns the same vector for every text.
type fixedEmbedder struct{ vec []float32 }

func (f fixedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func (f fixedEmbedder) Dimensions() int { return len(f.vec) }

type env struct {
	archive *testutil.Archive
	db      *sql.DB
	repo    *archive.Repository
	windows *window.Builder
	chat    int64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	a := testutil.NewArchive(t)
	h := a.AddHandle("friend@example.com")
	chat := a.AddChat("friend@example.com", "", h)
	return &env{archive: a, chat: chat}
}

func (e *env) open(t *testing.T) {
	t.Helper()
	e.db = testutil.OpenTestDB(t, e.archive)
	e.repo = archive.NewRepository(e.db, zerolog.Nop())
	w, err := window.NewBuilder(e.repo, window.Options{})
	if err != nil {
		t.Fatalf("window builder: %v", err)
	}
	e.windows = w
}

func (e *env) embedded(t *testing.T, guid string, vec []float32) {
	t.Helper()
	if _, err := e.db.Exec(`INSERT INTO message_embedding (guid, embed, model_ver) VALUES (?, ?, 1)`, guid, vector.Encode(vec)); err != nil {
		t.Fatalf("insert embedding: %v", err)
	}
}

func (e *env) searcher(emb embed.Embedder) *Searcher {
	return NewSearcher(e.repo, e.windows, emb, Options{ModelVersion: 1, WindowSize: 5, TopK: 5, Logger: zerolog.Nop()})
}

func TestSearchOrdersByDescendingSimilarity(t *testing.T) {
	e := newEnv(t)
	e.archive.AddMessage(e.chat, testutil.Msg{GUID: "east", Text: "east", Date: testutil.Seconds(1)})
	e.archive.AddMessage(e.chat, testutil.Msg{GUID: "north", Text: "north", Date: testutil.Seconds(2)})
	e.archive.AddMessage(e.chat, testutil.Msg{GUID: "northeast", Text: "northeast", Date: testutil.Seconds(3)})
	e.open(t)
	e.embedded(t, "east", []float32{1, 0})
	e.embedded(t, "north", []float32{0, 1})
	e.embedded(t, "northeast", []float32{0.7, 0.7})

	resp, err := e.searcher(fixedEmbedder{vec: []float32{1, 0}}).Search(context.Background(), Request{
		Query: "which way", ThreadID: e.chat, TopK: 10,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) != 3 || resp.Candidates != 3 {
		t.Fatalf("expected top_k clamped to 3, got %d", len(resp.Results))
	}
	want := []string{"east", "northeast", "north"}
	for i, guid := range want {
		if resp.Results[i].GUID != guid {
			t.Fatalf("position %d: expected %s, got %s", i, guid, resp.Results[i].GUID)
		}
	}
	for i := 1; i < len(resp.Results); i++ {
		if resp.Results[i].Score > resp.Results[i-1].Score {
			t.Fatalf("results not descending at %d", i)
		}
	}
}

func TestSearchTopKAndTies(t *testing.T) {
	e := newEnv(t)
	for i, guid := range []string{"a", "b", "c"} {
		e.archive.AddMessage(e.chat, testutil.Msg{GUID: guid, Text: guid, Date: testutil.Seconds(int64(i + 1))})
	}
	e.open(t)
	for _, guid := range []string{"a", "b", "c"} {
		e.embedded(t, guid, []float32{1, 1})
	}

	resp, err := e.searcher(fixedEmbedder{vec: []float32{1, 1}}).Search(context.Background(), Request{
		Query: "same", ThreadID: e.chat, TopK: 2,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	// Candidates arrive newest first; ties keep that order.
	if len(resp.Results) != 2 || resp.Results[0].GUID != "c" || resp.Results[1].GUID != "b" {
		t.Fatalf("unexpected tie order: %+v", resp.Results)
	}
}

func TestSearchRendersContext(t *testing.T) {
	e := newEnv(t)
	e.archive.AddMessage(e.chat, testutil.Msg{GUID: "q", Text: "where should we eat?", Date: testutil.Seconds(60), FromMe: true})
	e.archive.AddMessage(e.chat, testutil.Msg{GUID: "a", Text: "the taco place", Date: testutil.Seconds(120)})
	e.open(t)
	e.embedded(t, "a", []float32{1})

	resp, err := e.searcher(fixedEmbedder{vec: []float32{1}}).Search(context.Background(), Request{Query: "tacos", ThreadID: e.chat})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	want := "Hi! Here's a matching message.\n\n" +
		"2001-01-01T00:01:00+00:00 - Me: where should we eat?\n" +
		"2001-01-01T00:02:00+00:00 - Other: the taco place"
	if len(resp.Results) != 1 || resp.Results[0].Rendered != want {
		t.Fatalf("unexpected rendering: %+v", resp.Results)
	}
	if resp.Results[0].Text != "the taco place" || resp.Results[0].Sender != "Other" {
		t.Fatalf("unexpected result fields: %+v", resp.Results[0])
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	e := newEnv(t)
	e.archive.AddMessage(e.chat, testutil.Msg{GUID: "x", Text: "unindexed", Date: 1})
	e.open(t)

	_, err := e.searcher(fixedEmbedder{vec: []float32{1}}).Search(context.Background(), Request{Query: "hello", ThreadID: e.chat})
	if !errors.Is(err, ErrEmptyIndex) {
		t.Fatalf("expected ErrEmptyIndex, got %v", err)
	}
}

func TestSearchRejectsBlankQuery(t *testing.T) {
	e := newEnv(t)
	e.open(t)
	if _, err := e.searcher(fixedEmbedder{vec: []float32{1}}).Search(context.Background(), Request{Query: "  ", ThreadID: e.chat}); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
}

func TestBackfillThenSearch(t *testing.T) {
	e := newEnv(t)
	e.archive.AddMessage(e.chat, testutil.Msg{GUID: "t1", Text: "hello there", Date: testutil.Seconds(1)})
	e.archive.AddMessage(e.chat, testutil.Msg{GUID: "t2", Text: "hey, how are you", Date: testutil.Seconds(2), FromMe: true})
	e.archive.AddMessage(e.chat, testutil.Msg{GUID: "t3", Text: "good thanks", Date: testutil.Seconds(3)})
	e.open(t)
	hash := embed.NewHashEmbedder(16)
	seed, _ := hash.Embed(context.Background(), []string{"t1", "t2"})
	e.embedded(t, "t1", seed[0])
	e.embedded(t, "t2", seed[1])
	ctx := context.Background()

	if n, err := e.repo.CountMissingEmbedding(ctx, 1); err != nil || n != 1 {
		t.Fatalf("expected 1 pending, got %d (%v)", n, err)
	}
	p := backfill.New(e.db, e.repo, e.windows, hash, backfill.Options{ModelVersion: 1, WindowSize: 5, Logger: zerolog.Nop()})
	if _, err := p.Run(ctx); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if n, err := e.repo.CountMissingEmbedding(ctx, 1); err != nil || n != 0 {
		t.Fatalf("expected 0 pending, got %d (%v)", n, err)
	}

	resp, err := e.searcher(hash).Search(ctx, Request{Query: "hello", ThreadID: e.chat, TopK: 2})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.Results) == 0 || len(resp.Results) > 2 {
		t.Fatalf("expected at most 2 results, got %d", len(resp.Results))
	}
	for i := 1; i < len(resp.Results); i++ {
		if resp.Results[i].Score > resp.Results[i-1].Score {
			t.Fatalf("results not descending")
		}
	}
}

func TestResponderResolvesIdentity(t *testing.T) {
	e := newEnv(t)
	other := e.archive.AddChat("chat-else", "Elsewhere")
	e.archive.AddMessage(e.chat, testutil.Msg{GUID: "mine", Text: "dinner at eight", Date: testutil.Seconds(5)})
	e.archive.AddMessage(other, testutil.Msg{GUID: "theirs", Text: "group stuff", Date: testutil.Seconds(6)})
	e.open(t)
	e.embedded(t, "mine", []float32{1, 0})
	e.embedded(t, "theirs", []float32{1, 0})

	r := NewResponder(e.searcher(fixedEmbedder{vec: []float32{1, 0}}), e.repo, other, zerolog.Nop())
	ctx := context.Background()

	reply, err := r.Answer(ctx, Inquiry{Query: "dinner", Identity: "friend@example.com"})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if reply.ThreadID != e.chat || len(reply.Results) != 1 || !strings.Contains(reply.Results[0], "dinner at eight") {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	reply, err = r.Answer(ctx, Inquiry{Query: "stuff", Identity: "stranger@example.com"})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if reply.ThreadID != other || !strings.Contains(reply.Results[0], "group stuff") {
		t.Fatalf("expected default thread fallback, got %+v", reply)
	}
}

func TestResponderEmptyIndexIsNoResults(t *testing.T) {
	e := newEnv(t)
	e.open(t)
	r := NewResponder(e.searcher(fixedEmbedder{vec: []float32{1}}), e.repo, 0, zerolog.Nop())

	reply, err := r.Answer(context.Background(), Inquiry{Query: "anything", ThreadID: e.chat})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if !reply.NoResults || reply.Results == nil || len(reply.Results) != 0 {
		t.Fatalf("expected empty non-nil results, got %+v", reply)
	}

	if _, err := r.Answer(context.Background(), Inquiry{Query: "x", Identity: "nobody"}); !errors.Is(err, archive.ErrThreadNotFound) {
		t.Fatalf("expected ErrThreadNotFound without a default thread, got %v", err)
	}
}
