package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/plugbridge/internal/api"
	"github.com/g960059/plugbridge/internal/bridge"
	"github.com/g960059/plugbridge/internal/config"
	"github.com/g960059/plugbridge/internal/db"
	"github.com/g960059/plugbridge/internal/logging"
	"github.com/g960059/plugbridge/internal/model"
	"github.com/g960059/plugbridge/internal/plugin"
	"github.com/g960059/plugbridge/internal/protocol"
	"github.com/g960059/plugbridge/internal/redact"
	"github.com/g960059/plugbridge/internal/transport"
)

var (
	ErrBridgeNotActive = errors.New("bridge not active")
	ErrBridgeConflict  = errors.New("plugin already has an active bridge")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrStartFailed     = errors.New("bridge start failed")
	ErrQueueFull       = errors.New("event queue full")
	ErrManagerClosed   = errors.New("bridge manager closed")
)

// defaultParameters is used when a start request declares none.
var defaultParameters = []api.ParameterSpec{
	{Name: "gain", Default: 0.5, Min: 0, Max: 1},
	{Name: "pan", Default: 0, Min: -1, Max: 1},
}

type stopRequest struct {
	reason string
	reply  chan transport.Outcome
}

// bridgeRuntime is one live bridge. The idle goroutine owns server reads
// and shutdown; the engine goroutine owns the audio cycle.
type bridgeRuntime struct {
	id      string
	server  *bridge.Server
	plugin  *plugin.Plugin
	proc    *engineProcessor
	handler *bridgeHandler
	journal *hostJournal
	log     *slog.Logger

	stopReq      chan stopRequest
	done         chan struct{}
	cancelEngine context.CancelFunc
	engineDone   chan struct{}

	// idle goroutine only
	health      HealthState
	lastDropped uint64
}

// Manager runs bridges to child processes and journals what happens on
// them.
type Manager struct {
	cfg       config.Config
	store     *db.Store
	log       *slog.Logger
	loaderEnv transport.LoaderEnv

	mu      sync.Mutex
	bridges map[string]*bridgeRuntime
	closed  bool
}

func NewManager(cfg config.Config, store *db.Store, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		log:       logging.Component(logger, logging.ComponentDaemon),
		loaderEnv: transport.RecordLoaderEnv(),
		bridges:   map[string]*bridgeRuntime{},
	}
}

// ActiveCount returns the number of live bridges.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bridges)
}

func (m *Manager) runtime(id string) (*bridgeRuntime, error) {
	m.mu.Lock()
	rt := m.bridges[id]
	m.mu.Unlock()
	if rt != nil {
		return rt, nil
	}
	if _, err := m.store.GetBridge(context.Background(), id); err != nil {
		return nil, err
	}
	return nil, ErrBridgeNotActive
}

func buildPluginOptions(req api.StartBridgeRequest) plugin.Options {
	params := req.Parameters
	if len(params) == 0 {
		params = defaultParameters
	}
	opts := plugin.Options{
		ID:       req.PluginID,
		Name:     req.Name,
		Programs: append([]string(nil), req.Programs...),
	}
	for _, p := range params {
		opts.Parameters = append(opts.Parameters, plugin.Parameter{Name: p.Name, Default: p.Default, Min: p.Min, Max: p.Max})
	}
	return opts
}

// Start launches a child for req and waits for its handshake. The bridge is
// journaled before launch so that failures are recorded too.
func (m *Manager) Start(ctx context.Context, req api.StartBridgeRequest) (model.Bridge, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return model.Bridge{}, ErrManagerClosed
	}

	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		filename = m.cfg.StubBinary
	}
	if filename == "" {
		return model.Bridge{}, fmt.Errorf("%w: filename is required", ErrInvalidRequest)
	}
	if req.ControlChannel != nil && (*req.ControlChannel < -1 || *req.ControlChannel > 15) {
		return model.Bridge{}, fmt.Errorf("%w: control channel %d", ErrInvalidRequest, *req.ControlChannel)
	}
	if strings.TrimSpace(req.Name) == "" {
		req.Name = filepath.Base(filename)
	}
	switch req.ProgramForm {
	case "", ProgramFormSingle, protocol.ProgramFormBank:
	default:
		return model.Bridge{}, fmt.Errorf("%w: program form %q", ErrInvalidRequest, req.ProgramForm)
	}
	for _, kv := range req.Env {
		if !strings.Contains(kv, "=") {
			return model.Bridge{}, fmt.Errorf("%w: env entry %q is not KEY=VALUE", ErrInvalidRequest, kv)
		}
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	record := model.Bridge{
		BridgeID:  id,
		PluginID:  req.PluginID,
		Name:      req.Name,
		Filename:  filename,
		State:     model.BridgeStarting,
		Health:    model.BridgeHealthOK,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.InsertBridge(ctx, record); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return model.Bridge{}, fmt.Errorf("%w: plugin %d", ErrBridgeConflict, req.PluginID)
		}
		return model.Bridge{}, err
	}

	log := m.log.With("bridge_id", id, "plugin_id", req.PluginID)
	journal := &hostJournal{}
	proc := &engineProcessor{}
	popts := buildPluginOptions(req)
	popts.Host = journal
	popts.Processor = proc
	popts.Logger = log
	p := plugin.New(popts)
	if req.ControlChannel != nil {
		p.SetControlChannel(*req.ControlChannel)
	}

	handler := &bridgeHandler{plugin: p, journal: journal, log: log}
	opts := bridge.OptionsFromConfig(m.cfg)
	opts.Logger = log
	server := bridge.NewServer(handler, opts)
	server.OnFail = func(err error) {
		failed := model.BridgeFailed
		msg := redact.Text(err.Error())
		if uerr := m.store.UpdateBridge(context.Background(), id, db.BridgeUpdate{State: &failed, LastError: &msg}, time.Time{}); uerr != nil {
			log.Error("journal start failure", "err", uerr)
		}
	}

	spec := transport.LaunchSpec{
		Helper:       req.Helper,
		Filename:     filename,
		Arg1:         req.Arg1,
		Arg2:         req.Arg2,
		BufferSize:   m.cfg.PipeBufferSize,
		WriteTimeout: m.cfg.WriteTimeout,
		Env:          append([]string{"PLUGBRIDGE_BRIDGE_ID=" + id}, req.Env...),
		LoaderEnv:    m.loaderEnv,
		Logger:       log,
	}
	if err := server.Start(ctx, spec); err != nil {
		return model.Bridge{}, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	ready := model.BridgeReady
	pid := int64(server.Pid())
	if err := m.store.UpdateBridge(ctx, id, db.BridgeUpdate{State: &ready, PID: &pid, Args: server.Args()}, time.Time{}); err != nil {
		server.Stop(m.cfg.StopTimeout)
		return model.Bridge{}, fmt.Errorf("journal ready bridge: %w", err)
	}
	if req.ProgramForm == protocol.ProgramFormBank {
		if err := server.WriteConfigureMessage(protocol.ConfigProgramForm, protocol.ProgramFormBank); err != nil {
			server.Stop(m.cfg.StopTimeout)
			return model.Bridge{}, fmt.Errorf("%w: configure program form: %v", ErrStartFailed, err)
		}
		handler.banked.Store(true)
		p.SetUI(bankedControl{Server: server})
	} else {
		p.SetUI(server)
	}

	engineCtx, cancelEngine := context.WithCancel(context.Background())
	rt := &bridgeRuntime{
		id:           id,
		server:       server,
		plugin:       p,
		proc:         proc,
		handler:      handler,
		journal:      journal,
		log:          log,
		stopReq:      make(chan stopRequest),
		done:         make(chan struct{}),
		cancelEngine: cancelEngine,
		engineDone:   make(chan struct{}),
		health:       HealthState{Current: model.BridgeHealthOK, LastTransitionAt: now},
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancelEngine()
		close(rt.engineDone)
		close(rt.done)
		m.finish(rt, "manager closed")
		return model.Bridge{}, ErrManagerClosed
	}
	m.bridges[id] = rt
	m.mu.Unlock()

	go rt.runEngine(engineCtx, m.cfg.EngineFrames, loopInterval(m.cfg.EngineInterval, 5*time.Millisecond))
	go m.runIdle(rt)
	log.Info("bridge started", "pid", pid, "filename", filename, "env", redact.Env(req.Env))
	return m.store.GetBridge(ctx, id)
}

// runEngine drives the audio cycle. It stands in for the host's audio
// callback: it never blocks on the idle side.
func (rt *bridgeRuntime) runEngine(ctx context.Context, frames uint32, interval time.Duration) {
	defer close(rt.engineDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.plugin.Process(frames, nil)
		}
	}
}

func (m *Manager) runIdle(rt *bridgeRuntime) {
	defer close(rt.done)
	idle := time.NewTicker(loopInterval(m.cfg.IdleInterval, 30*time.Millisecond))
	defer idle.Stop()
	probe := time.NewTicker(loopInterval(m.cfg.HealthProbeInterval, time.Second))
	defer probe.Stop()

	for {
		select {
		case req := <-rt.stopReq:
			req.reply <- m.finish(rt, req.reason)
			return
		case <-idle.C:
			rt.server.Idle(false)
			rt.plugin.PostRtEventsRun()
			m.flush(rt)
			switch {
			case rt.handler.exiting.Load():
				m.finish(rt, "child exiting")
				return
			case !rt.server.IsRunning():
				m.finish(rt, "child closed the bridge")
				return
			}
		case <-probe.C:
			if rt.server.ChildExited() {
				m.finish(rt, "child exited")
				return
			}
			m.probe(rt)
		}
	}
}

// flush persists pending host callbacks. A failed append is logged and the
// batch dropped; the journal is best effort.
func (m *Manager) flush(rt *bridgeRuntime) {
	batch := rt.journal.take()
	if len(batch) == 0 {
		return
	}
	if _, err := m.store.AppendNotifications(context.Background(), rt.id, batch); err != nil {
		rt.log.Error("journal notifications", "err", err, "count", len(batch))
	}
}

// probe folds liveness and queue pressure into the bridge health.
func (m *Manager) probe(rt *bridgeRuntime) {
	post, notes := rt.plugin.Dropped()
	dropped := post + notes
	success := rt.server.IsRunning() && dropped == rt.lastDropped
	rt.lastDropped = dropped

	prev := rt.health.Current
	rt.health = NextHealth(m.cfg, rt.health, success, time.Now().UTC())
	if rt.health.Current == prev && success {
		return
	}
	health := rt.health.Current
	droppedCount := int64(dropped)
	if err := m.store.UpdateBridge(context.Background(), rt.id, db.BridgeUpdate{Health: &health, Dropped: &droppedCount}, time.Time{}); err != nil {
		rt.log.Error("journal health", "err", err)
	}
	if health != prev {
		rt.log.Warn("bridge health changed", "from", prev, "to", health, "dropped", dropped)
	}
}

// finish stops the child, drains what is left and journals the outcome. It
// runs on the idle goroutine or, before that goroutine exists, on Start's.
func (m *Manager) finish(rt *bridgeRuntime, reason string) transport.Outcome {
	rt.cancelEngine()
	<-rt.engineDone
	rt.plugin.SetUI(nil)

	outcome := rt.server.Stop(m.cfg.StopTimeout)
	rt.plugin.PostRtEventsRun()
	m.flush(rt)

	stopped := model.BridgeStopped
	out := outcome.String()
	post, notes := rt.plugin.Dropped()
	dropped := int64(post + notes)
	update := db.BridgeUpdate{State: &stopped, Outcome: &out, Dropped: &dropped}
	if lastErr := rt.handler.lastError(); lastErr != "" {
		update.LastError = &lastErr
	}
	if err := m.store.UpdateBridge(context.Background(), rt.id, update, time.Time{}); err != nil {
		rt.log.Error("journal stop", "err", err)
	}

	m.mu.Lock()
	delete(m.bridges, rt.id)
	m.mu.Unlock()
	rt.log.Info("bridge finished", "reason", reason, "outcome", out, "cycles", rt.proc.cycles.Load(),
		"notes_on", rt.proc.notesOn.Load(), "notes_off", rt.proc.notesOff.Load())
	return outcome
}

// Stop shuts a bridge down. Stopping a bridge that already finished returns
// its journaled record.
func (m *Manager) Stop(ctx context.Context, id string) (model.Bridge, transport.Outcome, error) {
	m.mu.Lock()
	rt := m.bridges[id]
	m.mu.Unlock()
	if rt == nil {
		b, err := m.store.GetBridge(ctx, id)
		if err != nil {
			return model.Bridge{}, transport.OutcomeUnconfirmed, err
		}
		return b, outcomeFromString(b.Outcome), ErrBridgeNotActive
	}

	req := stopRequest{reason: "stop requested", reply: make(chan transport.Outcome, 1)}
	outcome := transport.OutcomeExited
	select {
	case rt.stopReq <- req:
		outcome = <-req.reply
	case <-rt.done:
	}
	b, err := m.store.GetBridge(ctx, id)
	if err != nil {
		return model.Bridge{}, outcome, err
	}
	if b.Outcome != "" {
		outcome = outcomeFromString(b.Outcome)
	}
	return b, outcome, nil
}

func outcomeFromString(s string) transport.Outcome {
	for _, o := range []transport.Outcome{transport.OutcomeExited, transport.OutcomeTerminated, transport.OutcomeKilled} {
		if o.String() == s {
			return o
		}
	}
	return transport.OutcomeUnconfirmed
}

// Shutdown stops every live bridge in parallel and refuses new ones.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.bridges))
	for id := range m.bridges {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, _, err := m.Stop(ctx, id); err != nil && !errors.Is(err, ErrBridgeNotActive) {
				m.log.Error("stop bridge on shutdown", "bridge_id", id, "err", err)
			}
		}(id)
	}
	wg.Wait()
}

// SetControl changes a parameter. With rt the change takes the audio
// thread's path and reaches the child on the next idle round.
func (m *Manager) SetControl(id string, req api.ControlRequest) error {
	rt, err := m.runtime(id)
	if err != nil {
		return err
	}
	if int(req.Index) >= rt.plugin.ParameterCount() {
		return fmt.Errorf("%w: parameter %d out of range", ErrInvalidRequest, req.Index)
	}
	if req.RT {
		rt.plugin.SetParameterValueRT(req.Index, req.Value, true)
		return nil
	}
	return rt.plugin.SetParameterValue(req.Index, req.Value, true, true)
}

// SetProgram selects a program through the audio thread's path.
func (m *Manager) SetProgram(id string, req api.ProgramRequest) error {
	rt, err := m.runtime(id)
	if err != nil {
		return err
	}
	if req.Index < 0 || int(req.Index) >= rt.plugin.ProgramCount() {
		return fmt.Errorf("%w: program %d out of range", ErrInvalidRequest, req.Index)
	}
	rt.plugin.SetProgramRT(req.Index)
	return nil
}

// SendNote injects a note into the next audio cycle, or with AllOff queues
// note offs for the whole control channel.
func (m *Manager) SendNote(id string, req api.NoteRequest) error {
	rt, err := m.runtime(id)
	if err != nil {
		return err
	}
	if req.AllOff {
		if rt.plugin.ControlChannel() < 0 {
			return fmt.Errorf("%w: no control channel", ErrInvalidRequest)
		}
		rt.plugin.SendMidiAllNotesOff()
		return nil
	}
	if req.Channel >= 16 || req.Note >= 128 || req.Velocity >= 128 {
		return fmt.Errorf("%w: note out of range ch=%d note=%d vel=%d", ErrInvalidRequest, req.Channel, req.Note, req.Velocity)
	}
	if err := rt.plugin.SendMidiSingleNote(req.Channel, req.Note, req.Velocity, true, true); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueFull, err)
	}
	return nil
}

// UI forwards show, hide or focus to the child.
func (m *Manager) UI(id, action string) error {
	rt, err := m.runtime(id)
	if err != nil {
		return err
	}
	switch action {
	case "show":
		return rt.server.WriteShowMessage()
	case "hide":
		return rt.server.WriteHideMessage()
	case "focus":
		return rt.server.WriteFocusMessage()
	}
	return fmt.Errorf("%w: unknown ui action %q", ErrInvalidRequest, action)
}

func loopInterval(interval, fallback time.Duration) time.Duration {
	if interval <= 0 {
		return fallback
	}
	return interval
}
