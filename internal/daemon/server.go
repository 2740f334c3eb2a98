package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/g960059/plugbridge/internal/api"
	"github.com/g960059/plugbridge/internal/config"
	"github.com/g960059/plugbridge/internal/db"
	"github.com/g960059/plugbridge/internal/logging"
	"github.com/g960059/plugbridge/internal/model"
	"github.com/g960059/plugbridge/internal/transport"
)

const (
	defaultNotificationLimit = 200
	maxNotificationLimit     = 1000
	maxRequestBody           = 1 << 20
)

type Server struct {
	cfg         config.Config
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	store       *db.Store
	manager     *Manager
	log         *slog.Logger
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config) *Server {
	return NewServerWithDeps(cfg, nil, nil)
}

// NewServerWithDeps builds the daemon. Without a store only /v1/health is
// served.
func NewServerWithDeps(cfg config.Config, store *db.Store, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:   cfg,
		store: store,
		log:   logging.Component(logger, logging.ComponentDaemon),
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/v1/health", s.healthHandler)
	if store != nil {
		s.manager = NewManager(cfg, store, logger)
		mux.HandleFunc("/v1/bridges", s.bridgesHandler)
		mux.HandleFunc("/v1/bridges/", s.bridgeByIDHandler)
	}
	return s
}

// Manager exposes the bridge manager; nil without a store.
func (s *Server) Manager() *Manager {
	return s.manager
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("daemon listening", "socket", s.cfg.SocketPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout+5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

// Shutdown stops accepting requests, stops every bridge and releases the
// socket and the lock.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if s.manager != nil {
			s.manager.Shutdown(ctx)
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	resp := api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Status:        "ok",
		Platform:      runtime.GOOS + "/" + runtime.GOARCH,
	}
	if s.manager != nil {
		resp.ActiveBridges = s.manager.ActiveCount()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) bridgesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listBridges(w, r)
	case http.MethodPost:
		s.startBridge(w, r)
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) listBridges(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if raw := strings.TrimSpace(r.URL.Query().Get("active")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "active must be a boolean")
			return
		}
		activeOnly = v
	}
	bridges, err := s.store.ListBridges(r.Context(), activeOnly)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to list bridges")
		return
	}
	resp := api.BridgesEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Bridges:       make([]api.BridgeResponse, 0, len(bridges)),
	}
	for _, b := range bridges {
		resp.Bridges = append(resp.Bridges, toBridgeResponse(b))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) startBridge(w http.ResponseWriter, r *http.Request) {
	var req api.StartBridgeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	b, err := s.manager.Start(r.Context(), req)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, api.BridgeEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Bridge:        toBridgeResponse(b),
	})
}

func (s *Server) bridgeByIDHandler(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/bridges/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "bridge route not found")
		return
	}
	bridgeID, err := url.PathUnescape(parts[0])
	if err != nil || strings.TrimSpace(bridgeID) == "" {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid bridge id")
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			s.getBridge(w, r, bridgeID)
		case http.MethodDelete:
			s.stopBridge(w, r, bridgeID)
		default:
			s.methodNotAllowed(w, http.MethodGet, http.MethodDelete)
		}
		return
	}

	if parts[1] == "notifications" {
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		s.listNotifications(w, r, bridgeID)
		return
	}
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	switch parts[1] {
	case "control":
		var req api.ControlRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		s.accept(w, bridgeID, s.manager.SetControl(bridgeID, req))
	case "program":
		var req api.ProgramRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		s.accept(w, bridgeID, s.manager.SetProgram(bridgeID, req))
	case "notes":
		var req api.NoteRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		s.accept(w, bridgeID, s.manager.SendNote(bridgeID, req))
	case "show", "hide", "focus":
		s.accept(w, bridgeID, s.manager.UI(bridgeID, parts[1]))
	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "bridge route not found")
	}
}

func (s *Server) getBridge(w http.ResponseWriter, r *http.Request, bridgeID string) {
	b, err := s.store.GetBridge(r.Context(), bridgeID)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.BridgeEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Bridge:        toBridgeResponse(b),
	})
}

// stopBridge is idempotent: a bridge that already finished answers with its
// journaled outcome.
func (s *Server) stopBridge(w http.ResponseWriter, r *http.Request, bridgeID string) {
	b, outcome, err := s.manager.Stop(r.Context(), bridgeID)
	if err != nil && !errors.Is(err, ErrBridgeNotActive) {
		s.writeManagerError(w, err)
		return
	}
	out := b.Outcome
	if out == "" {
		out = outcome.String()
	}
	s.writeJSON(w, http.StatusOK, api.StopBridgeResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Outcome:       out,
		Bridge:        toBridgeResponse(b),
	})
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request, bridgeID string) {
	q := r.URL.Query()
	var after int64
	if raw := strings.TrimSpace(q.Get("after")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrCursorInvalid, "after must be a non-negative sequence")
			return
		}
		after = v
	}
	limit := defaultNotificationLimit
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "limit must be a positive integer")
			return
		}
		limit = min(v, maxNotificationLimit)
	}

	if _, err := s.store.GetBridge(r.Context(), bridgeID); err != nil {
		s.writeManagerError(w, err)
		return
	}
	items, err := s.store.ListNotifications(r.Context(), bridgeID, after, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "failed to list notifications")
		return
	}
	resp := api.NotificationsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		BridgeID:      bridgeID,
		NextCursor:    after,
		Items:         make([]api.NotificationItem, 0, len(items)),
	}
	for _, n := range items {
		resp.Items = append(resp.Items, api.NotificationItem{
			Seq:       n.Seq,
			Kind:      n.Kind,
			Value1:    n.Value1,
			Value2:    n.Value2,
			Value3:    n.Value3,
			Text:      n.Text,
			CreatedAt: n.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		resp.NextCursor = n.Seq
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) accept(w http.ResponseWriter, bridgeID string, err error) {
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.AcceptedResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		BridgeID:      bridgeID,
		Accepted:      true,
	})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "invalid json body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "bridge not found")
	case errors.Is(err, ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
	case errors.Is(err, ErrBridgeNotActive):
		s.writeError(w, http.StatusConflict, model.ErrBridgeNotReady, "bridge is not running")
	case errors.Is(err, ErrBridgeConflict):
		s.writeError(w, http.StatusConflict, model.ErrPreconditionFailed, err.Error())
	case errors.Is(err, ErrQueueFull):
		s.writeError(w, http.StatusTooManyRequests, model.ErrQueueFull, err.Error())
	case errors.Is(err, ErrStartFailed):
		s.writeError(w, http.StatusBadGateway, model.ErrBridgeStartFailed, err.Error())
	case errors.Is(err, ErrManagerClosed):
		s.writeError(w, http.StatusServiceUnavailable, model.ErrPreconditionFailed, "daemon is shutting down")
	case errors.Is(err, transport.ErrDisconnected), errors.Is(err, transport.ErrClosed):
		s.writeError(w, http.StatusConflict, model.ErrBridgeNotReady, "bridge channel closed")
	default:
		s.log.Error("request failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, "request failed")
	}
}

func toBridgeResponse(b model.Bridge) api.BridgeResponse {
	resp := api.BridgeResponse{
		BridgeID:      b.BridgeID,
		PluginID:      b.PluginID,
		Name:          b.Name,
		Filename:      b.Filename,
		Args:          b.Args,
		PID:           b.PID,
		State:         string(b.State),
		Health:        string(b.Health),
		Outcome:       b.Outcome,
		LastError:     b.LastError,
		DroppedEvents: b.DroppedEvents,
		StartedAt:     b.StartedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:     b.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if resp.Args == nil {
		resp.Args = []string{}
	}
	if b.StoppedAt != nil {
		v := b.StoppedAt.UTC().Format(time.RFC3339Nano)
		resp.StoppedAt = &v
	}
	return resp
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}
