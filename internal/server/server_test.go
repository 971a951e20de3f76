package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/Napageneral/isearch/internal/archive"
	"github.com/Napageneral/isearch/internal/embed"
	"github.com/Napageneral/isearch/internal/search"
)

type fakeAnswerer struct {
	reply search.Reply
	err   error
	got   search.Inquiry
}

func (f *fakeAnswerer) Answer(ctx context.Context, in search.Inquiry) (search.Reply, error) {
	f.got = in
	return f.reply, f.err
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestQueryReturnsResults(t *testing.T) {
	fa := &fakeAnswerer{reply: search.Reply{ThreadID: 7, Results: []string{"Hi! Here's a matching message.\n\nx"}}}
	router := NewRouter(fa, nil, "test", zerolog.Nop())

	rec := post(t, router, `{"query":"dinner","identity":"+15551234567","top_k":3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if fa.got.Query != "dinner" || fa.got.Identity != "+15551234567" || fa.got.TopK != 3 {
		t.Fatalf("unexpected inquiry: %+v", fa.got)
	}
	var reply search.Reply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if reply.ThreadID != 7 || len(reply.Results) != 1 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestQueryNoResults(t *testing.T) {
	fa := &fakeAnswerer{reply: search.Reply{ThreadID: 7, Results: []string{}, NoResults: true}}
	rec := post(t, NewRouter(fa, nil, "test", zerolog.Nop()), `{"query":"anything","thread_id":7}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"no_results":true`) {
		t.Fatalf("expected 200 no_results, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestQueryErrorStatuses(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{search.ErrEmptyQuery, http.StatusBadRequest},
		{fmt.Errorf("%w: nobody", archive.ErrThreadNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: boom", embed.ErrEncode), http.StatusServiceUnavailable},
		{&archive.StoreError{Op: "fetch", Err: fmt.Errorf("disk I/O error")}, http.StatusServiceUnavailable},
		{fmt.Errorf("unexpected"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		router := NewRouter(&fakeAnswerer{err: c.err}, nil, "test", zerolog.Nop())
		if rec := post(t, router, `{"query":"q"}`); rec.Code != c.want {
			t.Fatalf("%v: expected %d, got %d", c.err, c.want, rec.Code)
		}
	}
}

func TestQueryRejectsBadJSON(t *testing.T) {
	rec := post(t, NewRouter(&fakeAnswerer{}, nil, "test", zerolog.Nop()), `{"query":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	router := NewRouter(&fakeAnswerer{}, nil, "1.2.3", zerolog.Nop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"version":"1.2.3"`) {
		t.Fatalf("unexpected health: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "isearch_http_requests_total") {
		t.Fatalf("expected prometheus output, got %d", rec.Code)
	}
}

func TestMetricsLabelRoutePatterns(t *testing.T) {
	router := NewRouter(&fakeAnswerer{}, nil, "test", zerolog.Nop())
	for _, path := range []string{"/health", "/no/such/path", "/another/missing"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `path="/health"`) || !strings.Contains(body, `path="unmatched"`) {
		t.Fatalf("expected route and unmatched labels:\n%s", body)
	}
	for _, raw := range []string{"/no/such/path", "/another/missing"} {
		if strings.Contains(body, fmt.Sprintf("path=%q", raw)) {
			t.Fatalf("unmatched path %s leaked into metric labels", raw)
		}
	}
}
