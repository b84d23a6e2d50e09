package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookNotifierPosts(t *testing.T) {
	received := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad body: %v", err)
		}
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	n.Notify(context.Background(), SeverityAlert, "Low balance", "have=10 need=100")

	body := <-received
	if body["severity"] != "alert" || body["title"] != "Low balance" {
		t.Errorf("payload = %v", body)
	}
	if body["at"] == "" {
		t.Error("timestamp missing")
	}
}

func TestWebhookNotifierSwallowsFailures(t *testing.T) {
	// Server rejects everything; Notify must not panic or block.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	n.Notify(context.Background(), SeverityWarn, "x", "y")

	// Unreachable endpoint too.
	dead := NewWebhookNotifier("http://127.0.0.1:1")
	dead.Notify(context.Background(), SeverityInfo, "x", "y")
}

func TestLogNotifierSeverities(t *testing.T) {
	n := NewLogNotifier()
	for _, s := range []Severity{SeverityInfo, SeverityWarn, SeverityAlert} {
		n.Notify(context.Background(), s, "title", "detail")
	}
}
