package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/g960059/plugbridge/internal/api"
)

const bridgesPayload = `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","bridges":[` +
	`{"bridge_id":"b-live","plugin_id":1,"name":"synth","filename":"/opt/synth","args":[],"pid":4242,"state":"ready","health":"ok","dropped_events":0,"started_at":"2026-02-13T00:00:00Z","updated_at":"2026-02-13T00:00:00Z"},` +
	`{"bridge_id":"b-done","plugin_id":2,"name":"fx","filename":"/opt/fx","args":[],"state":"stopped","health":"ok","outcome":"terminated","dropped_events":3,"started_at":"2026-02-13T00:00:00Z","updated_at":"2026-02-13T00:00:00Z"}]}`

func newTestRunner(t *testing.T, mux *http.ServeMux) (*Runner, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return NewRunnerWithClient(srv.URL, srv.Client(), out, errOut), out, errOut
}

func TestListRendersTableAndJSON(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bridges", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("expected GET, got %s", r.Method)
		}
		_, _ = io.WriteString(w, bridgesPayload)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"list"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and two rows, got %q", out.String())
	}
	if !strings.HasPrefix(lines[0], "BRIDGE") || !strings.Contains(lines[1], "b-live") || !strings.Contains(lines[1], "4242") {
		t.Fatalf("unexpected table: %q", out.String())
	}
	if !strings.Contains(lines[2], "terminated") || strings.Contains(out.String(), "\x1b[") {
		t.Fatalf("expected plain outcome column without escapes, got %q", lines[2])
	}

	out.Reset()
	if code := r.Run(context.Background(), []string{"list", "--json"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	var env api.BridgesEnvelope
	if err := json.Unmarshal(out.Bytes(), &env); err != nil {
		t.Fatalf("decode json output: %v", err)
	}
	if len(env.Bridges) != 2 {
		t.Fatalf("expected two bridges, got %+v", env)
	}
}

func TestStartBuildsRequestFromFlags(t *testing.T) {
	var got api.StartBridgeRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bridges", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","bridge":{"bridge_id":"b-new","plugin_id":9,"name":"synth","filename":"/opt/synth","args":[],"pid":77,"state":"ready","health":"ok","dropped_events":0,"started_at":"2026-02-13T00:00:00Z","updated_at":"2026-02-13T00:00:00Z"}}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	code := r.Run(context.Background(), []string{
		"start", "--plugin-id", "9", "--filename", "/opt/synth", "--name", "synth",
		"--program", "init", "--program", "bright",
		"--param", "gain=0.5", "--param", "pan=0:-1:1",
		"--env", "SYNTH_MODE=test", "--control-channel", "-1",
	})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	if got.PluginID != 9 || got.Filename != "/opt/synth" || len(got.Programs) != 2 || got.Programs[1] != "bright" {
		t.Fatalf("unexpected request: %+v", got)
	}
	if len(got.Parameters) != 2 || got.Parameters[1].Min != -1 || got.Parameters[0].Max != 1 {
		t.Fatalf("unexpected parameters: %+v", got.Parameters)
	}
	if got.ControlChannel == nil || *got.ControlChannel != -1 {
		t.Fatalf("expected control channel -1, got %v", got.ControlChannel)
	}
	if len(got.Env) != 1 || got.Env[0] != "SYNTH_MODE=test" {
		t.Fatalf("unexpected env: %v", got.Env)
	}
	if !strings.Contains(out.String(), "started b-new (plugin 9, pid 77)") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestStartRejectsBadParameterSpec(t *testing.T) {
	r, _, errOut := newTestRunner(t, http.NewServeMux())
	for _, spec := range []string{"gain", "=1", "gain=x", "gain=0:1", "gain=0.5:1:0"} {
		errOut.Reset()
		if code := r.Run(context.Background(), []string{"start", "--param", spec}); code != 2 {
			t.Fatalf("spec %q: expected exit 2, got %d", spec, code)
		}
		if !strings.Contains(errOut.String(), "invalid --param") {
			t.Fatalf("spec %q: unexpected stderr %q", spec, errOut.String())
		}
	}
}

func TestBridgeCommandsCallRoutes(t *testing.T) {
	bodies := map[string]map[string]any{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bridges/b-1/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		action := strings.TrimPrefix(r.URL.Path, "/v1/bridges/b-1/")
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies[action] = body
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","bridge_id":"b-1","accepted":true}`)
	})
	r, out, errOut := newTestRunner(t, mux)
	ctx := context.Background()

	cases := [][]string{
		{"control", "b-1", "--index", "2", "--value", "0.25", "--rt"},
		{"program", "b-1", "--index", "1"},
		{"note", "b-1", "--note", "64", "--off"},
		{"ui", "b-1", "focus"},
	}
	for _, args := range cases {
		if code := r.Run(ctx, args); code != 0 {
			t.Fatalf("%v: expected exit 0, got %d stderr=%s", args, code, errOut.String())
		}
	}
	if c := bodies["control"]; c["index"] != float64(2) || c["rt"] != true {
		t.Fatalf("unexpected control body: %v", c)
	}
	if p := bodies["program"]; p["index"] != float64(1) {
		t.Fatalf("unexpected program body: %v", p)
	}
	if n := bodies["notes"]; n["note"] != float64(64) || n["velocity"] != float64(0) {
		t.Fatalf("unexpected note body: %v", n)
	}
	if _, ok := bodies["focus"]; !ok {
		t.Fatalf("expected focus route to be hit, got %v", bodies)
	}
	if !strings.Contains(out.String(), "focus accepted for b-1") {
		t.Fatalf("unexpected output: %q", out.String())
	}

	if code := r.Run(ctx, []string{"program", "b-1"}); code != 2 {
		t.Fatalf("expected missing index to be a usage error, got %d", code)
	}
	if code := r.Run(ctx, []string{"note", "b-1", "--note", "200"}); code != 2 {
		t.Fatalf("expected out of range note to be a usage error, got %d", code)
	}
	if code := r.Run(ctx, []string{"ui", "b-1", "resize"}); code != 2 {
		t.Fatalf("expected unknown ui action to be a usage error, got %d", code)
	}
	if code := r.Run(ctx, []string{"control", "--index", "1"}); code != 2 {
		t.Fatalf("expected missing bridge id to be a usage error, got %d", code)
	}
}

func TestEventsPrintsPage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bridges/b-1/notifications", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") != "4" {
			t.Fatalf("expected after=4, got %q", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","bridge_id":"b-1","next_cursor":6,"items":[`+
			`{"seq":5,"kind":"note-on","value1":0,"value2":60,"value3":100,"created_at":"2026-02-13T00:00:01Z"},`+
			`{"seq":6,"kind":"program-changed","value1":1,"value2":0,"value3":0,"text":"bright","created_at":"2026-02-13T00:00:02Z"}]}`)
	})
	r, out, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"events", "b-1", "--after", "4"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "note-on") || !strings.HasSuffix(lines[1], "bright") {
		t.Fatalf("unexpected events output: %q", out.String())
	}

	out.Reset()
	if code := r.Run(context.Background(), []string{"events", "b-1", "--after", "4", "--json"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, errOut.String())
	}
	jsonLines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(jsonLines) != 2 {
		t.Fatalf("expected two json lines, got %q", out.String())
	}
	var item api.NotificationItem
	if err := json.Unmarshal([]byte(jsonLines[1]), &item); err != nil || item.Seq != 6 {
		t.Fatalf("unexpected json line %q err=%v", jsonLines[1], err)
	}
}

func TestErrorsAreReportedWithAPICode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bridges/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"schema_version":"v1","generated_at":"2026-02-13T00:00:00Z","error":{"code":"E_REF_NOT_FOUND","message":"bridge not found"}}`)
	})
	r, _, errOut := newTestRunner(t, mux)

	if code := r.Run(context.Background(), []string{"show", "missing"}); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "E_REF_NOT_FOUND") {
		t.Fatalf("expected api code in stderr, got %q", errOut.String())
	}
}

func TestUsageAndGlobalArgs(t *testing.T) {
	r, _, errOut := newTestRunner(t, http.NewServeMux())
	if code := r.Run(context.Background(), nil); code != 2 {
		t.Fatalf("expected usage exit 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "usage: plugbridge") {
		t.Fatalf("expected usage text, got %q", errOut.String())
	}
	if code := r.Run(context.Background(), []string{"--socket"}); code != 2 {
		t.Fatalf("expected missing socket value to fail, got %d", code)
	}
	if code := r.Run(context.Background(), []string{"bogus"}); code != 2 {
		t.Fatalf("expected unknown command to fail, got %d", code)
	}

	socket, rest, err := parseGlobalArgs([]string{"list", "--socket", "/tmp/x.sock", "--json"})
	if err != nil || socket != "/tmp/x.sock" || len(rest) != 2 || rest[1] != "--json" {
		t.Fatalf("unexpected parse: socket=%q rest=%v err=%v", socket, rest, err)
	}
}
