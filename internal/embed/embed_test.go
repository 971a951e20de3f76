package embed

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Napageneral/isearch/internal/config"
)

// scripted records calls and fails on a chosen call.
type scripted struct {
	dims   int
	calls  [][]string
	failOn int
	short  bool
}

func (s *scripted) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	s.calls = append(s.calls, texts)
	if s.failOn == len(s.calls) {
		return nil, errors.New("device lost")
	}
	n := len(texts)
	if s.short {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, s.dims)
		out[i][0] = float32(len(texts[i]))
	}
	return out, nil
}

func (s *scripted) Dimensions() int { return s.dims }

func TestHashEmbedderDeterministicUnitVectors(t *testing.T) {
	h := NewHashEmbedder(32)
	a, _ := h.Embed(context.Background(), []string{"hello", "world", "hello"})
	if len(a) != 3 || len(a[0]) != 32 {
		t.Fatalf("unexpected shape")
	}
	for i := range a[0] {
		if a[0][i] != a[2][i] {
			t.Fatalf("same text produced different vectors")
		}
	}
	var norm float64
	for _, v := range a[1] {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Fatalf("expected unit vector, norm^2 = %f", norm)
	}
	if NewHashEmbedder(0).Dimensions() != 384 {
		t.Fatalf("expected default dimension 384")
	}
}

func TestBatcherChunksInOrder(t *testing.T) {
	inner := &scripted{dims: 4}
	b := NewBatcher(inner, 2, zerolog.Nop())
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := b.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(inner.calls) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(inner.calls))
	}
	for i, v := range vecs {
		if int(v[0]) != len(texts[i]) {
			t.Fatalf("vector %d out of order", i)
		}
	}
	m := b.GetMetrics()
	if m.BatchesSent != 3 || m.TotalEmbedded != 5 || m.TotalErrors != 0 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestBatcherFailsWholeCall(t *testing.T) {
	inner := &scripted{dims: 4, failOn: 2}
	b := NewBatcher(inner, 2, zerolog.Nop())
	vecs, err := b.Embed(context.Background(), []string{"a", "b", "c", "d"})
	if !errors.Is(err, ErrEncode) {
		t.Fatalf("expected ErrEncode, got %v", err)
	}
	if vecs != nil {
		t.Fatalf("expected no partial vectors, got %d", len(vecs))
	}
}

func TestBatcherRejectsShortResult(t *testing.T) {
	b := NewBatcher(&scripted{dims: 4, short: true}, 8, zerolog.Nop())
	if _, err := b.Embed(context.Background(), []string{"a", "b"}); !errors.Is(err, ErrEncode) {
		t.Fatalf("expected ErrEncode for vector count mismatch, got %v", err)
	}
}

func TestBatcherHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inner := &scripted{dims: 4}
	b := NewBatcher(inner, 2, zerolog.Nop())
	if _, err := b.Embed(ctx, []string{"a"}); !errors.Is(err, ErrEncode) {
		t.Fatalf("expected ErrEncode, got %v", err)
	}
	if len(inner.calls) != 0 {
		t.Fatalf("expected no model call after cancel")
	}
}

func TestNewSelectsProvider(t *testing.T) {
	cfg := config.Default().Embedder
	cfg.Provider = config.ProviderHash
	cfg.Dimensions = 8
	e, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if e.Dimensions() != 8 {
		t.Fatalf("expected 8 dimensions, got %d", e.Dimensions())
	}
	cfg.Provider = "word2vec"
	if _, err := New(cfg, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestTokenizerEncode(t *testing.T) {
	tok := NewTokenizer(map[string]int{
		"[PAD]": 0, "[UNK]": 100, "[CLS]": 101, "[SEP]": 102,
		"hello": 7592, "!": 999, "em": 7861, "##bed": 8270, "##ding": 4667,
	})
	got := tok.Encode("Hello! Embedding zzz")
	want := []int64{101, 7592, 999, 7861, 8270, 4667, 100, 102}
	if len(got) != len(want) {
		t.Fatalf("Encode = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Encode = %v, want %v", got, want)
		}
	}
}

func TestBasicTokensStripsAccentsAndSplitsCJK(t *testing.T) {
	got := basicTokens("Héllo CAFÉ,你好 naïve")
	want := []string{"hello", "cafe", ",", "你", "好", "naive"}
	if len(got) != len(want) {
		t.Fatalf("basicTokens = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("basicTokens = %q, want %q", got, want)
		}
	}

	tok := NewTokenizer(map[string]int{"[UNK]": 100, "[CLS]": 101, "[SEP]": 102, "hello": 7592})
	if ids := tok.Encode("héllo"); len(ids) != 3 || ids[1] != 7592 {
		t.Fatalf("expected accented word to match the plain vocabulary entry, got %v", ids)
	}
}

func TestTokenizerTruncates(t *testing.T) {
	tok := NewTokenizer(map[string]int{"a": 1})
	text := ""
	for i := 0; i < 500; i++ {
		text += "a "
	}
	ids := tok.Encode(text)
	if len(ids) != maxSequenceLength || ids[len(ids)-1] != 102 {
		t.Fatalf("expected %d ids ending in [SEP], got %d", maxSequenceLength, len(ids))
	}
}

func TestMeanPoolIgnoresPadding(t *testing.T) {
	// Two rows, three positions, two dims. Row 0 attends to two positions.
	hidden := []float32{
		3, 0, 1, 0, 100, 100,
		0, 2, 0, 2, 0, 2,
	}
	mask := []int64{1, 1, 0, 1, 1, 1}
	out := meanPool(hidden, mask, 2, 3, 2)
	if out[0][1] != 0 || out[0][0] != 1 {
		t.Fatalf("row 0 = %v, want [1 0]", out[0])
	}
	if out[1][0] != 0 || out[1][1] != 1 {
		t.Fatalf("row 1 = %v, want [0 1]", out[1])
	}
}
