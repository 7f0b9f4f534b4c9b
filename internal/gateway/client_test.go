package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSearchByRef_Found(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("method = %s, want GET", r.Method)
		}
		if r.URL.Path != "/search" {
			t.Fatalf("path = %s, want /search", r.URL.Path)
		}
		if got := r.URL.Query().Get("ref"); got != "booking-1" {
			t.Fatalf("ref = %q, want booking-1", got)
		}
		if got := r.Header.Get("Authorization"); got != "Apikey test-key" {
			t.Fatalf("authorization = %q, want Apikey test-key", got)
		}

		resp := envelope{
			Success: true,
			Data: []Intent{
				{Amount: 1417500, Content: "RENT booking-1", Status: IntentStatusPending},
			},
			Count: 1,
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "test-key")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	intent, err := client.SearchByRef(ctx, "booking-1")
	if err != nil {
		t.Fatalf("SearchByRef error: %v", err)
	}
	if intent == nil {
		t.Fatalf("expected intent, got nil")
	}
	if intent.Amount != 1417500 || intent.Content != "RENT booking-1" {
		t.Fatalf("unexpected intent: %+v", intent)
	}
}

func TestSearchByRef_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: []Intent{}, Count: 0})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "test-key")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	intent, err := client.SearchByRef(ctx, "missing")
	if err != nil {
		t.Fatalf("SearchByRef error: %v", err)
	}
	if intent != nil {
		t.Fatalf("expected nil intent, got %+v", intent)
	}
}

func TestInit_Created(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/init" {
			t.Fatalf("path = %s, want /init", r.URL.Path)
		}

		var req initRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode init request: %v", err)
		}
		if req.Ref != "booking-1" || req.Amount != 1417500 {
			t.Fatalf("unexpected init request: %+v", req)
		}

		resp := envelope{
			Success: true,
			Data: []Intent{
				{Amount: req.Amount, Content: "RENT booking-1", Status: IntentStatusPending},
			},
			Count: 1,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "test-key")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	intent, err := client.Init(ctx, "booking-1", 1417500)
	if err != nil {
		t.Fatalf("Init error: %v", err)
	}
	if intent == nil || intent.Amount != 1417500 {
		t.Fatalf("unexpected intent: %+v", intent)
	}
}

func TestInit_RefExists(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "conflict status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusConflict)
			},
		},
		{
			name: "success false with message",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(envelope{
					Success: false,
					Message: "reference already exists",
				})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(tt.handler)
			defer ts.Close()

			client := NewClient(ts.URL, "test-key")

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()

			_, err := client.Init(ctx, "booking-1", 100)
			if !errors.Is(err, ErrRefExists) {
				t.Fatalf("expected ErrRefExists, got %v", err)
			}
		})
	}
}

func TestSearchByRef_Unavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "test-key")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.SearchByRef(ctx, "booking-1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestBuildQRPayload(t *testing.T) {
	payload := BuildQRPayload("VCB", "001122334455", 1417500, "RENT booking-1")

	for _, part := range []string{"acc=001122334455", "bank=VCB", "amount=1417500", "des=RENT+booking-1"} {
		if !strings.Contains(payload, part) {
			t.Fatalf("payload %q does not contain %q", payload, part)
		}
	}
}
