package search

import "time"

// Request describes a search over one thread.
type Request struct {
	Query    string
	ThreadID int64
	// TopK <= 0 uses the searcher default.
	TopK int
}

// Result is one matching message with its rendered context.
type Result struct {
	GUID      string    `json:"guid"`
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	// Rendered is the match framed with its preceding messages.
	Rendered string `json:"rendered"`
}

// Response groups results with the parameters they were produced under.
type Response struct {
	Query        string   `json:"query"`
	ThreadID     int64    `json:"thread_id"`
	ModelVersion int      `json:"model_version"`
	Candidates   int      `json:"candidates"`
	Results      []Result `json:"results"`
}
