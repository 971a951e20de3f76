// Package window builds the conversational context around a message.
package window

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"

	"github.com/Napageneral/isearch/internal/archive"
)

// Source is the part of the repository the builder reads from.
type Source interface {
	ThreadsOf(ctx context.Context, rowID int64) ([]int64, error)
	FetchPreceding(ctx context.Context, threadIDs []int64, before int64, limit int) ([]archive.Message, error)
}

// Window is a focal message and the messages that precede it in its
// threads, oldest first. The focal message is always last.
type Window struct {
	Messages []archive.Message
}

// Focal returns the message the window was built around.
func (w Window) Focal() archive.Message {
	return w.Messages[len(w.Messages)-1]
}

// Context returns the preceding messages, oldest first.
func (w Window) Context() []archive.Message {
	return w.Messages[:len(w.Messages)-1]
}

// Framing wraps rendered context lines and the focal line into one text.
type Framing func(ctx, focal string) string

// EmbedFraming is the text the embedding model sees during backfill.
func EmbedFraming(ctx, focal string) string {
	return strings.TrimSpace("A text conversation on iMessage.\n\nContext:\n" + ctx + "\n\nThis message:\n" + focal)
}

// ResultFraming is the text returned for a search hit.
func ResultFraming(ctx, focal string) string {
	return strings.TrimSpace("Hi! Here's a matching message.\n\n" + ctx + "\n" + focal)
}

// Options configures a Builder.
type Options struct {
	// CacheLines bounds the rendered-line cache. Zero disables caching.
	CacheLines int64
	Logger     zerolog.Logger
}

// Builder builds and renders context windows.
type Builder struct {
	src    Source
	lines  *ristretto.Cache
	logger zerolog.Logger
}

// NewBuilder creates a builder reading from src.
func NewBuilder(src Source, opts Options) (*Builder, error) {
	b := &Builder{src: src, logger: opts.Logger.With().Str("component", "window").Logger()}
	if opts.CacheLines > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: opts.CacheLines * 10,
			MaxCost:     opts.CacheLines,
			BufferItems: 64,
			// Cost is counted in lines.
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, fmt.Errorf("window: create line cache: %w", err)
		}
		b.lines = cache
	}
	return b, nil
}

// Close releases the line cache.
func (b *Builder) Close() {
	if b.lines != nil {
		b.lines.Close()
	}
}

// Build returns msg with up to size messages strictly older than it from
// any thread it belongs to.
func (b *Builder) Build(ctx context.Context, msg archive.Message, size int) (Window, error) {
	if size <= 0 {
		return Window{Messages: []archive.Message{msg}}, nil
	}
	threads, err := b.src.ThreadsOf(ctx, msg.RowID)
	if err != nil {
		return Window{}, err
	}
	preceding, err := b.src.FetchPreceding(ctx, threads, msg.Timestamp, size)
	if err != nil {
		return Window{}, err
	}

	msgs := make([]archive.Message, 0, len(preceding)+1)
	for i := len(preceding) - 1; i >= 0; i-- {
		msgs = append(msgs, preceding[i])
	}
	msgs = append(msgs, msg)
	return Window{Messages: msgs}, nil
}

// Render renders w under the given framing.
func (b *Builder) Render(w Window, frame Framing) string {
	ctxLines := make([]string, 0, len(w.Messages)-1)
	for _, m := range w.Context() {
		ctxLines = append(ctxLines, b.Line(m))
	}
	return frame(strings.Join(ctxLines, "\n"), b.Line(w.Focal()))
}

// Line renders one message as "<timestamp> - <Me|Other>: <text>".
func (b *Builder) Line(m archive.Message) string {
	if b.lines != nil {
		if v, ok := b.lines.Get(m.GUID); ok {
			return v.(string)
		}
	}
	content := m.Content()
	if !m.HasText && content == "" && m.RawBody != nil {
		b.logger.Warn().Str("guid", m.GUID).Msg("undecodable message body")
	}
	line := RenderLine(m.Time(), m.Sender(), content)
	if b.lines != nil {
		b.lines.Set(m.GUID, line, 1)
	}
	return line
}

// RenderLine formats a single context line.
func RenderLine(ts time.Time, sender, text string) string {
	return archive.FormatTimestamp(ts) + " - " + sender + ": " + text
}
