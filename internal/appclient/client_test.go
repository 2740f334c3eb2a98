package appclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/g960059/plugbridge/internal/api"
)

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Fatalf("encode response: %v", err)
	}
}

func TestStartBridgeSendsRequestAndDecodesEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bridges", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		var req api.StartBridgeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.PluginID != 3 || req.Filename != "/opt/synth" || len(req.Programs) != 1 {
			t.Fatalf("unexpected request: %+v", req)
		}
		writeJSON(t, w, http.StatusCreated, api.BridgeEnvelope{
			SchemaVersion: "v1",
			Bridge:        api.BridgeResponse{BridgeID: "b-1", PluginID: 3, State: "ready"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	env, err := client.StartBridge(context.Background(), api.StartBridgeRequest{
		PluginID: 3,
		Filename: "/opt/synth",
		Programs: []string{"init"},
	})
	if err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	if env.Bridge.BridgeID != "b-1" || env.Bridge.State != "ready" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestCommandsHitBridgeRoutes(t *testing.T) {
	var hits []string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bridges/", func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.Method+" "+r.URL.Path)
		writeJSON(t, w, http.StatusAccepted, api.AcceptedResponse{SchemaVersion: "v1", BridgeID: "b 1", Accepted: true})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	ctx := context.Background()
	if _, err := client.SetControl(ctx, "b 1", api.ControlRequest{Index: 1, Value: 0.5}); err != nil {
		t.Fatalf("set control: %v", err)
	}
	if _, err := client.SetProgram(ctx, "b 1", api.ProgramRequest{Index: 2}); err != nil {
		t.Fatalf("set program: %v", err)
	}
	if _, err := client.SendNote(ctx, "b 1", api.NoteRequest{Note: 60, Velocity: 100}); err != nil {
		t.Fatalf("send note: %v", err)
	}
	resp, err := client.UI(ctx, "b 1", "show")
	if err != nil {
		t.Fatalf("ui show: %v", err)
	}
	if !resp.Accepted {
		t.Fatalf("expected accepted response, got %+v", resp)
	}
	if _, err := client.UI(ctx, "b 1", "resize"); err == nil {
		t.Fatalf("expected unknown ui action to fail locally")
	}
	if _, err := client.SetControl(ctx, "  ", api.ControlRequest{}); !errors.Is(err, ErrBridgeIDRequired) {
		t.Fatalf("expected bridge id error, got %v", err)
	}

	want := []string{
		"POST /v1/bridges/b 1/control",
		"POST /v1/bridges/b 1/program",
		"POST /v1/bridges/b 1/notes",
		"POST /v1/bridges/b 1/show",
	}
	if len(hits) != len(want) {
		t.Fatalf("expected %d requests, got %v", len(want), hits)
	}
	for i := range want {
		if hits[i] != want[i] {
			t.Fatalf("request %d: expected %q, got %q", i, want[i], hits[i])
		}
	}
}

func TestRequestErrorCarriesAPICode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bridges/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","error":{"code":"E_REF_NOT_FOUND","message":"bridge not found"}}`)
	})
	mux.HandleFunc("/v1/bridges/plain", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gateway broke", http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	_, err := client.GetBridge(context.Background(), "missing")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.StatusCode != http.StatusNotFound || reqErr.Code != "E_REF_NOT_FOUND" || reqErr.Retryable() {
		t.Fatalf("unexpected request error: %+v", reqErr)
	}
	if reqErr.Error() != "E_REF_NOT_FOUND: bridge not found" {
		t.Fatalf("unexpected error text: %q", reqErr.Error())
	}

	_, err = client.GetBridge(context.Background(), "plain")
	if !errors.As(err, &reqErr) || reqErr.Code != "HTTP_502" || !reqErr.Retryable() {
		t.Fatalf("expected retryable HTTP_502, got %v", err)
	}
}

func TestListBridgesPassesActiveFilter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bridges", func(w http.ResponseWriter, r *http.Request) {
		active := r.URL.Query().Get("active")
		bridges := []api.BridgeResponse{{BridgeID: "live", State: "ready"}}
		if active != "true" {
			bridges = append(bridges, api.BridgeResponse{BridgeID: "done", State: "stopped"})
		}
		writeJSON(t, w, http.StatusOK, api.BridgesEnvelope{SchemaVersion: "v1", Bridges: bridges})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	all, err := client.ListBridges(context.Background(), false)
	if err != nil {
		t.Fatalf("list bridges: %v", err)
	}
	active, err := client.ListBridges(context.Background(), true)
	if err != nil {
		t.Fatalf("list active bridges: %v", err)
	}
	if len(all.Bridges) != 2 || len(active.Bridges) != 1 {
		t.Fatalf("unexpected filter result all=%d active=%d", len(all.Bridges), len(active.Bridges))
	}
}

func TestFollowNotificationsRetriesAndResumes(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bridges/b-1/notifications", func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		after := r.URL.Query().Get("after")
		switch n {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","error":{"code":"E_PRECONDITION_FAILED","message":"busy"}}`)
			return
		case 2:
			if after != "" {
				t.Fatalf("first successful request should not pass a cursor, got %q", after)
			}
			writeJSON(t, w, http.StatusOK, api.NotificationsEnvelope{
				BridgeID:   "b-1",
				NextCursor: 2,
				Items:      []api.NotificationItem{{Seq: 1, Kind: "note-on"}, {Seq: 2, Kind: "note-off"}},
			})
		default:
			if after != "2" {
				t.Fatalf("expected resume cursor 2, got %q", after)
			}
			writeJSON(t, w, http.StatusOK, api.NotificationsEnvelope{
				BridgeID:   "b-1",
				NextCursor: 3,
				Items:      []api.NotificationItem{{Seq: 3, Kind: "program-changed"}},
			})
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seen []int64
	errDone := errors.New("done")
	err := client.FollowNotifications(ctx, "b-1", FollowOptions{
		PollInterval:    5 * time.Millisecond,
		RetryMinBackoff: 5 * time.Millisecond,
		RetryMaxBackoff: 10 * time.Millisecond,
	}, func(item api.NotificationItem) error {
		seen = append(seen, item.Seq)
		if item.Seq == 3 {
			return errDone
		}
		return nil
	})
	if !errors.Is(err, errDone) {
		t.Fatalf("expected callback stop, got %v", err)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Fatalf("unexpected sequence: %v", seen)
	}
}

func TestFollowNotificationsStopsOnNonRetryableError(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bridges/gone/notifications", func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","error":{"code":"E_REF_NOT_FOUND","message":"bridge not found"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewWithClient(srv.URL, srv.Client())
	err := client.FollowNotifications(context.Background(), "gone", FollowOptions{RetryMinBackoff: time.Millisecond}, nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Code != "E_REF_NOT_FOUND" {
		t.Fatalf("expected not found error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestUnaryTimeoutAppliesToRequests(t *testing.T) {
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(release)

	client := NewWithClient(srv.URL, srv.Client()).WithUnaryTimeout(50 * time.Millisecond)
	start := time.Now()
	if _, err := client.Health(context.Background()); err == nil {
		t.Fatalf("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("timeout not applied, took %s", elapsed)
	}
}
