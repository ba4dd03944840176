package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trainalyze/trainalyze/internal/inbox"
	"github.com/trainalyze/trainalyze/internal/workpool"
)

func TestBuildQuery(t *testing.T) {
	q := inbox.Query{
		Since:    time.Date(2023, time.March, 5, 10, 0, 0, 0, time.UTC),
		Senders:  []string{"lner.co.uk", "tfl.gov.uk"},
		Keywords: []string{"e-ticket", "delay repay"},
	}

	want := `(from:lner.co.uk OR from:tfl.gov.uk) OR subject:("e-ticket" OR "delay repay") after:2023/03/05`
	if got := BuildQuery(q); got != want {
		t.Errorf("got  %s\nwant %s", got, want)
	}

	if got := BuildQuery(inbox.Query{Senders: []string{"gwr.com"}}); got != "(from:gwr.com)" {
		t.Errorf("senders only: %s", got)
	}
	if got := BuildQuery(inbox.Query{}); got != "" {
		t.Errorf("empty query: %q", got)
	}
}

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func TestFlattenBody(t *testing.T) {
	p := payload{
		MimeType: "multipart/mixed",
		Parts: []payload{
			{
				MimeType: "multipart/alternative",
				Parts: []payload{
					{MimeType: "text/plain", Body: bodyData(b64("Your train was 30 minutes late. "))},
					{MimeType: "text/html", Body: bodyData(b64("<p>ignored</p>"))},
				},
			},
			{MimeType: "text/plain", Body: bodyData(b64("Ref: AB123456"))},
			{MimeType: "application/pdf", Body: bodyData(b64("%PDF"))},
		},
	}

	got := flattenBody(p)
	if got != "Your train was 30 minutes late. Ref: AB123456" {
		t.Errorf("got %q", got)
	}
}

func TestFlattenBodySinglePart(t *testing.T) {
	p := payload{MimeType: "text/html", Body: bodyData(b64("<b>Total £12</b>"))}
	if got := flattenBody(p); got != "<b>Total £12</b>" {
		t.Errorf("top-level body should be taken whatever its type, got %q", got)
	}
}

func TestDecodeData(t *testing.T) {
	if got := decodeData(base64.RawURLEncoding.EncodeToString([]byte("no padding?"))); got != "no padding?" {
		t.Errorf("unpadded: %q", got)
	}
	if got := decodeData(b64("ok\xffdone")); got != "okdone" {
		t.Errorf("invalid UTF-8 should be dropped: %q", got)
	}
	if got := decodeData("!!!"); got != "" {
		t.Errorf("garbage should decode to empty, got %q", got)
	}
}

func bodyData(data string) struct {
	Data string `json:"data"`
} {
	return struct {
		Data string `json:"data"`
	}{Data: data}
}

func messageJSON(id, from, subject, body string) map[string]any {
	return map[string]any{
		"id": id,
		"payload": map[string]any{
			"mimeType": "multipart/alternative",
			"headers": []map[string]string{
				{"name": "From", "value": from},
				{"name": "Subject", "value": subject},
				{"name": "Date", "value": "Fri, 15 Mar 2024 18:30:00 +0000"},
			},
			"body": map[string]string{},
			"parts": []map[string]any{
				{"mimeType": "text/plain", "body": map[string]string{"data": b64(body)}},
			},
		},
	}
}

func TestSourceFetch(t *testing.T) {
	var mu sync.Mutex
	var gotQuery string
	var failures int64

	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotQuery = r.URL.Query().Get("q")
		mu.Unlock()
		if r.URL.Query().Get("pageToken") == "" {
			json.NewEncoder(w).Encode(map[string]any{
				"messages":      []map[string]string{{"id": "m1"}, {"id": "m2"}},
				"nextPageToken": "page2",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "m3"}, {"id": "gone"}},
		})
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/messages/")
		switch id {
		case "gone":
			http.NotFound(w, r)
			return
		case "m2":
			// fail once, then succeed
			if atomic.AddInt64(&failures, 1) == 1 {
				http.Error(w, "busy", http.StatusServiceUnavailable)
				return
			}
		}
		json.NewEncoder(w).Encode(messageJSON(id, "noreply@lner.co.uk", "Message "+id, "body of "+id))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	src := New(srv.Client(), Options{
		BaseURL: srv.URL,
		Workers: 2,
		Retry:   workpool.Retry{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})

	q := inbox.Query{Senders: []string{"lner.co.uk"}}
	msgs, err := src.Fetch(context.Background(), q)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	mu.Lock()
	if gotQuery != "(from:lner.co.uk)" {
		t.Errorf("server saw query %q", gotQuery)
	}
	mu.Unlock()
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (missing message skipped)", len(msgs))
	}
	for i, id := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != id {
			t.Errorf("message %d id = %s, want %s", i, msgs[i].ID, id)
		}
		if msgs[i].Body != "body of "+id {
			t.Errorf("message %d body = %q", i, msgs[i].Body)
		}
	}
	if msgs[0].Sender != "noreply@lner.co.uk" || msgs[0].Date == "" {
		t.Errorf("headers not mapped: %+v", msgs[0])
	}
}

func TestSourceFetchLimit(t *testing.T) {
	var mu sync.Mutex
	var maxResults string
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		maxResults = r.URL.Query().Get("maxResults")
		mu.Unlock()
		var msgs []map[string]string
		for i := 0; i < 5; i++ {
			msgs = append(msgs, map[string]string{"id": fmt.Sprint(i)})
		}
		json.NewEncoder(w).Encode(map[string]any{"messages": msgs, "nextPageToken": "more"})
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/messages/")
		json.NewEncoder(w).Encode(messageJSON(id, "a@b.c", "s", "b"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src := New(srv.Client(), Options{BaseURL: srv.URL, Workers: 1})
	msgs, err := src.Fetch(context.Background(), inbox.Query{Limit: 3})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	mu.Lock()
	if maxResults != "3" {
		t.Errorf("maxResults = %s, want 3", maxResults)
	}
	mu.Unlock()
	if len(msgs) != 3 {
		t.Errorf("got %d messages, want 3", len(msgs))
	}
}

func TestSourceFetchListFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	src := New(srv.Client(), Options{BaseURL: srv.URL})
	if _, err := src.Fetch(context.Background(), inbox.Query{}); err == nil {
		t.Error("expected error when the search fails")
	}
}

func TestHTMLFallback(t *testing.T) {
	raw := rawMessage{ID: "x", Payload: payload{
		MimeType: "multipart/alternative",
		Parts: []payload{
			{MimeType: "text/html", Body: bodyData(b64("<html><body><p>Total:</p><p>£9.99</p></body></html>"))},
		},
	}}

	if got := raw.toMessage(false).Body; got != "" {
		t.Errorf("without fallback body = %q", got)
	}
	if got := raw.toMessage(true).Body; got != "Total:£9.99" && got != "Total: £9.99" {
		t.Errorf("with fallback body = %q", got)
	}
}
