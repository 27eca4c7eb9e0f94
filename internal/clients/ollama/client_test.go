package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_Chat_ForcesNonStreamingAndExtractsMetrics(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":{"role":"assistant","content":"hello"},"done":true,"eval_count":200,"eval_duration":4000000000}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	result, metrics, err := client.Chat(context.Background(), map[string]any{
		"model":  "llama3",
		"stream": true, // must be overridden
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if stream, _ := gotBody["stream"].(bool); stream {
		t.Error("expected stream forced to false on the wire")
	}
	if result["done"] != true {
		t.Errorf("expected parsed body, got %+v", result)
	}
	if metrics == nil {
		t.Fatal("expected metrics from eval fields")
	}
	if metrics.EvalCount != 200 || metrics.EvalDuration != 4000000000 {
		t.Errorf("unexpected metrics: %+v", metrics)
	}
}

func TestClient_Chat_NoMetricsWithoutEvalFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"message":{"content":"hi"},"done":true}`))
	}))
	defer srv.Close()

	_, metrics, err := NewClient(srv.URL).Chat(context.Background(), map[string]any{"model": "m"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if metrics != nil {
		t.Errorf("expected nil metrics, got %+v", metrics)
	}
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, _, err := NewClient(srv.URL).Chat(context.Background(), map[string]any{"model": "m"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", apiErr.StatusCode)
	}
	if apiErr.IsTransient() {
		t.Error("404 must not be transient")
	}
}

func TestAPIError_IsTransient(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, c := range cases {
		e := &APIError{StatusCode: c.status}
		if e.IsTransient() != c.transient {
			t.Errorf("status %d: transient=%v, want %v", c.status, e.IsTransient(), c.transient)
		}
	}
}

func TestClient_ChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if stream, _ := body["stream"].(bool); !stream {
			t.Error("expected stream forced to true on the wire")
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte(`{"message":{"content":"hel"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"content":"lo"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"content":""},"done": true,"eval_count":50,"eval_duration":5000000000}` + "\n"))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	metrics, err := NewClient(srv.URL).ChatStream(context.Background(), map[string]any{"model": "m"}, &buf)
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}

	if got := bytes.Count(buf.Bytes(), []byte("\n")); got != 3 {
		t.Errorf("expected 3 relayed lines, got %d", got)
	}
	if metrics == nil {
		t.Fatal("expected metrics from the done frame (spaced JSON included)")
	}
	if metrics.EvalCount != 50 || metrics.EvalDuration != 5000000000 {
		t.Errorf("unexpected metrics: %+v", metrics)
	}
}

func TestClient_ChatStream_NoDoneFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"message":{"content":"partial"},"done":false}` + "\n"))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	metrics, err := NewClient(srv.URL).ChatStream(context.Background(), map[string]any{"model": "m"}, &buf)
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	if metrics != nil {
		t.Errorf("expected nil metrics without a done frame, got %+v", metrics)
	}
	if buf.Len() == 0 {
		t.Error("expected partial stream relayed")
	}
}

func TestClient_Version(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/version" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"version":"0.5.7"}`))
	}))
	defer srv.Close()

	v, err := NewClient(srv.URL).Version(context.Background())
	if err != nil {
		t.Fatalf("Version failed: %v", err)
	}
	if v.Version != "0.5.7" {
		t.Errorf("expected 0.5.7, got %s", v.Version)
	}
}

func TestClient_Ps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"models":[{"name":"llama3:8b","model":"llama3:8b","size":5000000000,"size_vram":4000000000}]}`))
	}))
	defer srv.Close()

	ps, err := NewClient(srv.URL).Ps(context.Background())
	if err != nil {
		t.Fatalf("Ps failed: %v", err)
	}
	if len(ps.Models) != 1 {
		t.Fatalf("expected 1 model, got %d", len(ps.Models))
	}
	if ps.Models[0].VRAMBytes() != 4000000000 {
		t.Errorf("expected vram 4e9, got %d", ps.Models[0].VRAMBytes())
	}
}

func TestClient_SendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sekret" {
			t.Errorf("expected bearer header, got %q", got)
		}
		w.Write([]byte(`{"version":"0.5.7"}`))
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, WithAPIKey("sekret")).Version(context.Background()); err != nil {
		t.Fatalf("Version failed: %v", err)
	}
}
