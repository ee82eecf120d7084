package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/session" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("x-client-request-id") == "" {
			t.Error("missing request id header")
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"session_id": "sid-99"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	id, err := c.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "sid-99" {
		t.Errorf("got %q", id)
	}
}

func TestCreateSessionEmptyID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	if _, err := New(srv.URL).CreateSession(context.Background()); err == nil {
		t.Fatal("expected error on empty session id")
	}
}

func TestSendMessage(t *testing.T) {
	var gotPath, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var body struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotText = body.Text
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"queued"}`))
	}))
	defer srv.Close()

	if err := New(srv.URL).SendMessage(context.Background(), "sid-1", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotPath != "/api/session/sid-1/message" {
		t.Errorf("path: %q", gotPath)
	}
	if gotText != "hello" {
		t.Errorf("text: %q", gotText)
	}
}

func TestConnectAvatar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/session/sid-1/avatar/connect" {
			t.Errorf("path: %q", r.URL.Path)
		}
		var body struct {
			ClientSDP string `json:"client_sdp"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.ClientSDP != "v=0 offer" {
			t.Errorf("client_sdp: %q", body.ClientSDP)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"server_sdp": "v=0 answer"})
	}))
	defer srv.Close()

	answer, err := New(srv.URL).ConnectAvatar(context.Background(), "sid-1", "v=0 offer")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if answer != "v=0 answer" {
		t.Errorf("answer: %q", answer)
	}
}

func TestErrorStatusCarriesBodySnippet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"avatar already connected"}`))
	}))
	defer srv.Close()

	err := New(srv.URL).DisconnectAvatar(context.Background(), "sid-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "avatar already connected") {
		t.Errorf("error lacks status/body: %v", err)
	}
}
