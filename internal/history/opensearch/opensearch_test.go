package opensearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loykin/devpanel/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL string
	var receivedMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"test","_index":"server-history","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "server-history")
	event := history.Event{
		Type:       history.EventFail,
		Seq:        9,
		Server:     "nginx",
		From:       "running",
		To:         "failed",
		Reason:     "exit code 1",
		PID:        12345,
		OccurredAt: time.Now().UTC(),
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != http.MethodPut {
		t.Errorf("sequenced events are indexed with PUT, got: %s", receivedMethod)
	}
	wantPath := fmt.Sprintf("/server-history/_doc/nginx-9-%d", event.OccurredAt.UnixNano())
	if receivedURL != wantPath {
		t.Errorf("Expected URL path %s, got: %s", wantPath, receivedURL)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(receivedBody, &doc); err != nil {
		t.Fatalf("Failed to parse received JSON: %v", err)
	}
	if doc["type"] != string(history.EventFail) {
		t.Errorf("Expected type %s, got: %v", history.EventFail, doc["type"])
	}
	if doc["server"] != "nginx" {
		t.Errorf("Expected server nginx, got: %v", doc["server"])
	}
	if doc["pid"] != float64(12345) {
		t.Errorf("Expected pid 12345, got: %v", doc["pid"])
	}
	if doc["reason"] != "exit code 1" {
		t.Errorf("Expected reason, got: %v", doc["reason"])
	}
}

func TestOpenSearchSink_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "server-history")
	err := sink.Send(context.Background(), history.Event{Type: history.EventStart, Server: "php"})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "opensearch sink status 400") || !strings.Contains(err.Error(), "bad request") {
		t.Errorf("Expected status error message, got: %v", err)
	}
}

func TestOpenSearchSink_TrailingSlash(t *testing.T) {
	var receivedURL, receivedMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedURL = r.URL.Path
		receivedMethod = r.Method
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	sink := New(server.URL+"/", "events")
	if err := sink.Send(context.Background(), history.Event{Type: history.EventStop, Server: "redis"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if receivedURL != "/events/_doc" || receivedMethod != http.MethodPost {
		t.Errorf("Expected POST /events/_doc, got %s %s", receivedMethod, receivedURL)
	}
}
