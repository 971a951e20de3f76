package backfill

import (
	"context"
	"database/sql"
	"time"

	"github.com/Napageneral/isearch/internal/archive"
	"github.com/Napageneral/isearch/internal/config"
	"github.com/Napageneral/isearch/internal/vector"
)

const insertEmbedding = `
	INSERT INTO message_embedding (guid, embed, model_ver, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(guid, model_ver) DO NOTHING`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// RowFailure is one embedding row that could not be written.
type RowFailure struct {
	RowID int64
	GUID  string
	Err   error
}

type writeResult struct {
	inserted int
	// existing counts rows that were already embedded when written.
	existing int
	failed   []RowFailure
}

// writer persists embeddings. Per-row failures are collected, never fatal.
// Failing to open or commit a batch transaction is fatal.
type writer struct {
	db   *sql.DB
	mode string
	now  func() time.Time
}

func (w *writer) write(ctx context.Context, msgs []archive.Message, vecs [][]float32, modelVersion int) (writeResult, error) {
	if w.mode == config.CommitRow {
		return w.insertAll(ctx, w.db, msgs, vecs, modelVersion), nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return writeResult{}, &archive.StoreError{Op: "begin batch", Err: err}
	}
	res := w.insertAll(ctx, tx, msgs, vecs, modelVersion)
	if err := tx.Commit(); err != nil {
		// A cancelled context rolls the transaction back, so Commit only
		// reports sql.ErrTxDone.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return writeResult{}, ctxErr
		}
		return writeResult{}, &archive.StoreError{Op: "commit batch", Err: err}
	}
	return res, nil
}

func (w *writer) insertAll(ctx context.Context, ex execer, msgs []archive.Message, vecs [][]float32, modelVersion int) writeResult {
	var res writeResult
	createdAt := w.now().Unix()
	for i, msg := range msgs {
		r, err := ex.ExecContext(ctx, insertEmbedding, msg.GUID, vector.Encode(vecs[i]), modelVersion, createdAt)
		if err != nil {
			res.failed = append(res.failed, RowFailure{RowID: msg.RowID, GUID: msg.GUID, Err: err})
			continue
		}
		if n, err := r.RowsAffected(); err == nil && n == 0 {
			res.existing++
			continue
		}
		res.inserted++
	}
	return res
}
