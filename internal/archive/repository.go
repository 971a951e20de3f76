package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Napageneral/isearch/internal/metrics"
	"github.com/Napageneral/isearch/internal/vector"
)

// messageColumns selects a Message. Thread fields come from the
// lowest-numbered thread so that a message in several threads yields one row.
const messageColumns = `
	m.ROWID, m.guid, m.date, m.text, m.attributedBody, m.attributedBody IS NOT NULL, m.is_from_me,
	h.id,
	(SELECT cmj.chat_id FROM imsg.chat_message_join cmj
	 WHERE cmj.message_id = m.ROWID ORDER BY cmj.chat_id LIMIT 1),
	(SELECT c.display_name FROM imsg.chat_message_join cmj
	 JOIN imsg.chat c ON c.ROWID = cmj.chat_id
	 WHERE cmj.message_id = m.ROWID ORDER BY cmj.chat_id LIMIT 1)`

const messageFrom = `
	FROM imsg.message m
	LEFT JOIN imsg.handle h ON h.ROWID = m.handle_id`

// eligible restricts to messages that carry content and belong to a thread.
const eligible = `
	(m.text IS NOT NULL OR m.attributedBody IS NOT NULL)
	AND EXISTS (SELECT 1 FROM imsg.chat_message_join cmj WHERE cmj.message_id = m.ROWID)`

// missing is the set difference of eligible ids and ids embedded under the
// model version bound to the first placeholder.
const missing = `
	m.guid NOT IN (SELECT e.guid FROM message_embedding e WHERE e.model_ver = ?)`

// Repository is the read-only query surface over the attached archive and
// the embedding table. It shares the caller's single connection.
type Repository struct {
	db        *sql.DB
	logger    zerolog.Logger
	onCorrupt func(*CorruptRecordError)
}

// NewRepository creates a repository over a handle opened by db.Open.
func NewRepository(db *sql.DB, logger zerolog.Logger) *Repository {
	r := &Repository{db: db, logger: logger.With().Str("component", "archive").Logger()}
	r.onCorrupt = r.logCorrupt
	return r
}

// OnCorrupt replaces the reporter invoked for every skipped row.
func (r *Repository) OnCorrupt(fn func(*CorruptRecordError)) {
	if fn == nil {
		fn = r.logCorrupt
	}
	r.onCorrupt = fn
}

func (r *Repository) logCorrupt(err *CorruptRecordError) {
	metrics.CorruptRecords.Inc()
	r.logger.Warn().Err(err).Int64("rowid", err.RowID).Msg("skipping corrupt record")
}

// MissingQuery selects a batch of messages without an embedding.
type MissingQuery struct {
	ModelVersion int
	Limit        int
	// ExcludeRowIDs are left out of the batch, e.g. rows that already failed
	// in the current run.
	ExcludeRowIDs []int64
}

// Batch is a fetched batch. Corrupt rows are reported and returned
// separately; they never abort the batch.
type Batch struct {
	Messages []Message
	Corrupt  []*CorruptRecordError
}

// Len counts every row the query returned, parsed or not.
func (b Batch) Len() int {
	return len(b.Messages) + len(b.Corrupt)
}

// CountMissingEmbedding counts eligible messages with no embedding under
// modelVersion.
func (r *Repository) CountMissingEmbedding(ctx context.Context, modelVersion int) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM imsg.message m
		WHERE `+eligible+` AND `+missing,
		modelVersion,
	).Scan(&count)
	if err != nil {
		return 0, unavailable("count missing embeddings", err)
	}
	return count, nil
}

// CountEmbedded counts stored embeddings under modelVersion.
func (r *Repository) CountEmbedded(ctx context.Context, modelVersion int) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_embedding WHERE model_ver = ?`, modelVersion,
	).Scan(&count)
	if err != nil {
		return 0, unavailable("count embeddings", err)
	}
	return count, nil
}

// FetchMissingEmbedding returns up to q.Limit messages without an embedding,
// newest first.
func (r *Repository) FetchMissingEmbedding(ctx context.Context, q MissingQuery) (Batch, error) {
	excluded, err := jsonIDs(q.ExcludeRowIDs)
	if err != nil {
		return Batch{}, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+messageFrom+`
		WHERE `+eligible+` AND `+missing+`
		  AND m.ROWID NOT IN (SELECT value FROM json_each(?))
		ORDER BY m.date DESC, m.ROWID DESC
		LIMIT ?`,
		q.ModelVersion, excluded, q.Limit,
	)
	if err != nil {
		return Batch{}, unavailable("fetch missing embeddings", err)
	}
	defer rows.Close()

	var batch Batch
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			var corrupt *CorruptRecordError
			if errors.As(err, &corrupt) {
				r.onCorrupt(corrupt)
				batch.Corrupt = append(batch.Corrupt, corrupt)
				continue
			}
			return Batch{}, unavailable("fetch missing embeddings", err)
		}
		batch.Messages = append(batch.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return Batch{}, unavailable("fetch missing embeddings", err)
	}
	return batch, nil
}

// ThreadsOf returns the ids of every thread containing the message.
func (r *Repository) ThreadsOf(ctx context.Context, rowID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT chat_id FROM imsg.chat_message_join
		WHERE message_id = ?
		ORDER BY chat_id`, rowID)
	if err != nil {
		return nil, unavailable("threads of message", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("threads of message", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("threads of message", err)
	}
	return ids, nil
}

// FetchPreceding returns up to limit messages in any of threadIDs strictly
// older than before, newest first.
func (r *Repository) FetchPreceding(ctx context.Context, threadIDs []int64, before int64, limit int) ([]Message, error) {
	if len(threadIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	threads, err := jsonIDs(threadIDs)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+messageFrom+`
		WHERE m.ROWID IN (
			SELECT cmj.message_id FROM imsg.chat_message_join cmj
			WHERE cmj.chat_id IN (SELECT value FROM json_each(?))
		)
		  AND m.date < ?
		  AND (m.text IS NOT NULL OR m.attributedBody IS NOT NULL)
		ORDER BY m.date DESC, m.ROWID DESC
		LIMIT ?`,
		threads, before, limit,
	)
	if err != nil {
		return nil, unavailable("fetch preceding messages", err)
	}
	defer rows.Close()
	return r.collect(rows, "fetch preceding messages")
}

// FetchThreadMessagesWithEmbeddings returns every message in the thread that
// has an embedding under modelVersion. Order is unspecified.
func (r *Repository) FetchThreadMessagesWithEmbeddings(ctx context.Context, threadID int64, modelVersion int) ([]Embedded, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`, e.embed`+messageFrom+`
		JOIN message_embedding e ON e.guid = m.guid AND e.model_ver = ?
		WHERE m.ROWID IN (
			SELECT cmj.message_id FROM imsg.chat_message_join cmj WHERE cmj.chat_id = ?
		)
		  AND (m.text IS NOT NULL OR m.attributedBody IS NOT NULL)
		ORDER BY m.date DESC, m.ROWID DESC`,
		modelVersion, threadID,
	)
	if err != nil {
		return nil, unavailable("fetch thread embeddings", err)
	}
	defer rows.Close()

	var out []Embedded
	for rows.Next() {
		var blob []byte
		msg, err := scanMessage(rows, &blob)
		if err == nil {
			var vec []float32
			vec, err = vector.Decode(blob)
			if err == nil && len(vec) == 0 {
				err = errors.New("empty embedding")
			}
			if err != nil {
				err = &CorruptRecordError{RowID: msg.RowID, MessageID: msg.GUID, Reason: "bad embedding", Err: err}
			} else {
				out = append(out, Embedded{Message: msg, Vector: vec})
				continue
			}
		}
		var corrupt *CorruptRecordError
		if errors.As(err, &corrupt) {
			r.onCorrupt(corrupt)
			continue
		}
		return nil, unavailable("fetch thread embeddings", err)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("fetch thread embeddings", err)
	}
	return out, nil
}

// ListThreads summarizes every thread with its embedding coverage.
func (r *Repository) ListThreads(ctx context.Context, modelVersion int) ([]Thread, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.ROWID, c.chat_identifier, c.display_name,
			(SELECT COUNT(*) FROM imsg.chat_message_join cmj WHERE cmj.chat_id = c.ROWID),
			(SELECT COUNT(*) FROM imsg.chat_message_join cmj
			 JOIN imsg.message m ON m.ROWID = cmj.message_id
			 JOIN message_embedding e ON e.guid = m.guid AND e.model_ver = ?
			 WHERE cmj.chat_id = c.ROWID)
		FROM imsg.chat c
		ORDER BY c.ROWID`, modelVersion)
	if err != nil {
		return nil, unavailable("list threads", err)
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		var t Thread
		var identifier, name sql.NullString
		if err := rows.Scan(&t.ID, &identifier, &name, &t.MessageCount, &t.EmbeddedCount); err != nil {
			return nil, unavailable("list threads", err)
		}
		t.Identifier = identifier.String
		t.DisplayName = name.String
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list threads", err)
	}
	return threads, nil
}

// ThreadForIdentity resolves the one-to-one thread with the participant
// identified by identity (a phone number or email handle).
func (r *Repository) ThreadForIdentity(ctx context.Context, identity string) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		SELECT c.ROWID FROM imsg.chat c
		WHERE c.chat_identifier = ?
		   OR c.ROWID IN (
			SELECT chj.chat_id FROM imsg.chat_handle_join chj
			JOIN imsg.handle h ON h.ROWID = chj.handle_id
			WHERE h.id = ?
			  AND (SELECT COUNT(*) FROM imsg.chat_handle_join x WHERE x.chat_id = chj.chat_id) = 1
		)
		ORDER BY c.ROWID
		LIMIT 1`, identity, identity).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", ErrThreadNotFound, identity)
	}
	if err != nil {
		return 0, unavailable("thread for identity", err)
	}
	return id, nil
}

func (r *Repository) collect(rows *sql.Rows, op string) ([]Message, error) {
	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			var corrupt *CorruptRecordError
			if errors.As(err, &corrupt) {
				r.onCorrupt(corrupt)
				continue
			}
			return nil, unavailable(op, err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// scanMessage scans messageColumns plus any extra destinations. Scan and
// validation failures are returned as *CorruptRecordError.
func scanMessage(rows *sql.Rows, extra ...any) (Message, error) {
	var (
		rowID     int64
		guid      sql.NullString
		date      sql.NullInt64
		text      sql.NullString
		rawBody   []byte
		hasBody   bool
		fromMe    sql.NullInt64
		handleID  sql.NullString
		threadID  sql.NullInt64
		threadNam sql.NullString
	)
	dest := append([]any{&rowID, &guid, &date, &text, &rawBody, &hasBody, &fromMe, &handleID, &threadID, &threadNam}, extra...)
	if err := rows.Scan(dest...); err != nil {
		// Scan assigns in column order, so rowID is set unless the first
		// column itself failed.
		return Message{}, &CorruptRecordError{RowID: rowID, Reason: "scan", Err: err}
	}
	if !guid.Valid || guid.String == "" {
		return Message{}, &CorruptRecordError{RowID: rowID, Reason: "missing guid"}
	}
	if !date.Valid {
		return Message{}, &CorruptRecordError{RowID: rowID, MessageID: guid.String, Reason: "missing date"}
	}
	// Drivers may scan a zero-length blob as nil; presence comes from SQL.
	if !text.Valid && !hasBody {
		return Message{}, &CorruptRecordError{RowID: rowID, MessageID: guid.String, Reason: "no text or body"}
	}
	if hasBody && rawBody == nil {
		rawBody = []byte{}
	}
	return Message{
		RowID:             rowID,
		GUID:              guid.String,
		Timestamp:         date.Int64,
		Text:              text.String,
		HasText:           text.Valid,
		RawBody:           rawBody,
		IsOutgoing:        fromMe.Valid && fromMe.Int64 != 0,
		SenderID:          handleID.String,
		ThreadID:          threadID.Int64,
		ThreadDisplayName: threadNam.String,
	}, nil
}

// jsonIDs encodes ids for json_each. A nil slice encodes as [] so that
// NOT IN matches nothing rather than NULL.
func jsonIDs(ids []int64) (string, error) {
	if ids == nil {
		ids = []int64{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("archive: encode ids: %w", err)
	}
	return string(b), nil
}
