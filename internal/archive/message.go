package archive

import (
	"time"

	"github.com/Napageneral/isearch/internal/body"
)

// AppleEpoch is the zero point of archive timestamps.
var AppleEpoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

// Message is one archived message. Rows are owned by the Messages app and
// treated as immutable once observed.
type Message struct {
	RowID int64
	GUID  string
	// Timestamp is nanoseconds since AppleEpoch.
	Timestamp  int64
	Text       string
	HasText    bool
	RawBody    []byte
	IsOutgoing bool
	SenderID   string
	// ThreadID and ThreadDisplayName describe the lowest-numbered thread
	// the message belongs to.
	ThreadID          int64
	ThreadDisplayName string
}

// Content returns the plain text, decoding the legacy body when no text
// field is present. Undecodable bodies yield "".
func (m Message) Content() string {
	if m.HasText {
		return m.Text
	}
	return body.Decode(m.RawBody)
}

// Time converts the archive timestamp to UTC wall time, rounded to the
// microsecond.
func (m Message) Time() time.Time {
	return TimeFromArchive(m.Timestamp)
}

// Sender is "Me" for outgoing messages and "Other" otherwise.
func (m Message) Sender() string {
	if m.IsOutgoing {
		return "Me"
	}
	return "Other"
}

// TimeFromArchive converts nanoseconds since AppleEpoch to UTC.
func TimeFromArchive(ns int64) time.Time {
	return AppleEpoch.Add(time.Duration(ns)).Round(time.Microsecond)
}

// TimeToArchive is the inverse of TimeFromArchive.
func TimeToArchive(t time.Time) int64 {
	return t.Sub(AppleEpoch).Nanoseconds()
}

// FormatTimestamp renders t as ISO-8601 with an explicit +00:00 offset.
// Fractional seconds are printed as six digits, and omitted when zero.
func FormatTimestamp(t time.Time) string {
	t = t.UTC()
	if t.Nanosecond()/1000 == 0 {
		return t.Format("2006-01-02T15:04:05") + "+00:00"
	}
	return t.Format("2006-01-02T15:04:05.000000") + "+00:00"
}

// Embedded pairs a message with its stored vector.
type Embedded struct {
	Message
	Vector []float32
}

// Thread summarizes one conversation thread.
type Thread struct {
	ID            int64
	Identifier    string
	DisplayName   string
	MessageCount  int
	EmbeddedCount int
}
