package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/plugbridge/internal/api"
	"github.com/g960059/plugbridge/internal/appclient"
	"github.com/g960059/plugbridge/internal/config"
)

type Runner struct {
	client *appclient.Client
	custom bool
	out    io.Writer
	errOut io.Writer
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	return newRunner(appclient.New(socketPath), out, errOut)
}

func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	r := newRunner(appclient.NewWithClient(baseURL, client), out, errOut)
	r.custom = true
	return r
}

func newRunner(client *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{client: client, out: out, errOut: errOut}
}

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if !r.custom {
		r.client = appclient.New(socketPath)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "health":
		return r.runHealth(ctx, rest[1:])
	case "list":
		return r.runList(ctx, rest[1:])
	case "show":
		return r.runShow(ctx, rest[1:])
	case "start":
		return r.runStart(ctx, rest[1:])
	case "stop":
		return r.runStop(ctx, rest[1:])
	case "control":
		return r.runControl(ctx, rest[1:])
	case "program":
		return r.runProgram(ctx, rest[1:])
	case "note":
		return r.runNote(ctx, rest[1:])
	case "ui":
		return r.runUI(ctx, rest[1:])
	case "events":
		return r.runEvents(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func parseGlobalArgs(args []string) (string, []string, error) {
	socket := config.DefaultConfig().SocketPath
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--socket" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--socket requires value")
			}
			socket = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return socket, rest, nil
}

// splitID takes a leading bridge id so flags may follow it.
func splitID(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return strings.TrimSpace(args[0]), args[1:]
	}
	return "", args
}

func (r *Runner) parseFlags(fs *flag.FlagSet, args []string) bool {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return false
	}
	return true
}

func (r *Runner) parseWithID(fs *flag.FlagSet, args []string, usage string) (string, bool) {
	id, rest := splitID(args)
	if !r.parseFlags(fs, rest) {
		return "", false
	}
	if id == "" && fs.NArg() > 0 {
		id = strings.TrimSpace(fs.Arg(0))
	}
	if id == "" {
		_, _ = fmt.Fprintf(r.errOut, "usage: plugbridge %s\n", usage)
		return "", false
	}
	return id, true
}

func (r *Runner) printJSON(v any) int {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) runHealth(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "output JSON")
	if !r.parseFlags(fs, args) {
		return 2
	}
	resp, err := r.client.Health(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "%s (%s) active bridges: %d\n", resp.Status, resp.Platform, resp.ActiveBridges)
	return 0
}

func (r *Runner) runList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	active := fs.Bool("active", false, "only running bridges")
	jsonOut := fs.Bool("json", false, "output JSON")
	if !r.parseFlags(fs, args) {
		return 2
	}
	env, err := r.client.ListBridges(ctx, *active)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	if len(env.Bridges) == 0 {
		_, _ = fmt.Fprintln(r.out, "no bridges")
		return 0
	}
	_, _ = io.WriteString(r.out, newPalette(r.out).bridgeTable(env.Bridges))
	return 0
}

func (r *Runner) runShow(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "output JSON")
	id, ok := r.parseWithID(fs, args, "show <bridge-id> [--json]")
	if !ok {
		return 2
	}
	env, err := r.client.GetBridge(ctx, id)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(env)
	}
	_, _ = io.WriteString(r.out, newPalette(r.out).bridgeDetail(env.Bridge))
	return 0
}

func (r *Runner) runStart(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	pluginID := fs.Uint("plugin-id", 0, "plugin id; one active bridge per id")
	name := fs.String("name", "", "display name")
	filename := fs.String("filename", "", "child executable (daemon default when empty)")
	helper := fs.String("helper", "", "helper executable prepended to the child argv")
	arg1 := fs.String("arg1", "", "first child argument")
	arg2 := fs.String("arg2", "", "second child argument")
	controlChannel := fs.Int("control-channel", 0, "MIDI channel for all-notes-off, -1 disables")
	programForm := fs.String("program-form", "", "program change arity: single or bank")
	jsonOut := fs.Bool("json", false, "output JSON")
	var programs, params, env stringList
	fs.Var(&programs, "program", "program name (repeatable)")
	fs.Var(&params, "param", "parameter as name=default[:min:max] (repeatable)")
	fs.Var(&env, "env", "extra child environment KEY=VALUE (repeatable)")
	if !r.parseFlags(fs, args) {
		return 2
	}
	if *controlChannel < -1 || *controlChannel > 15 {
		_, _ = fmt.Fprintf(r.errOut, "error: --control-channel must be between -1 and 15\n")
		return 2
	}
	specs := make([]api.ParameterSpec, 0, len(params))
	for _, raw := range params {
		spec, err := parseParameterSpec(raw)
		if err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
			return 2
		}
		specs = append(specs, spec)
	}
	channel := int8(*controlChannel)
	req := api.StartBridgeRequest{
		Name:           strings.TrimSpace(*name),
		PluginID:       uint32(*pluginID),
		Filename:       strings.TrimSpace(*filename),
		Helper:         strings.TrimSpace(*helper),
		Arg1:           *arg1,
		Arg2:           *arg2,
		Env:            env,
		Parameters:     specs,
		Programs:       programs,
		ControlChannel: &channel,
		ProgramForm:    strings.TrimSpace(*programForm),
	}
	resp, err := r.client.StartBridge(ctx, req)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	pid := "-"
	if resp.Bridge.PID != nil {
		pid = strconv.FormatInt(*resp.Bridge.PID, 10)
	}
	_, _ = fmt.Fprintf(r.out, "started %s (plugin %d, pid %s)\n", resp.Bridge.BridgeID, resp.Bridge.PluginID, pid)
	return 0
}

// parseParameterSpec reads name=default or name=default:min:max.
func parseParameterSpec(raw string) (api.ParameterSpec, error) {
	name, rest, ok := strings.Cut(raw, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return api.ParameterSpec{}, fmt.Errorf("invalid --param %q: want name=default[:min:max]", raw)
	}
	fields := strings.Split(rest, ":")
	if len(fields) != 1 && len(fields) != 3 {
		return api.ParameterSpec{}, fmt.Errorf("invalid --param %q: want name=default[:min:max]", raw)
	}
	values := make([]float32, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 32)
		if err != nil {
			return api.ParameterSpec{}, fmt.Errorf("invalid --param %q: %v", raw, err)
		}
		values[i] = float32(v)
	}
	spec := api.ParameterSpec{Name: name, Default: values[0], Min: 0, Max: 1}
	if len(values) == 3 {
		spec.Min, spec.Max = values[1], values[2]
	}
	if spec.Min > spec.Max {
		return api.ParameterSpec{}, fmt.Errorf("invalid --param %q: min above max", raw)
	}
	return spec, nil
}

func (r *Runner) runStop(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "output JSON")
	id, ok := r.parseWithID(fs, args, "stop <bridge-id> [--json]")
	if !ok {
		return 2
	}
	resp, err := r.client.StopBridge(ctx, id)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "stopped %s (%s)\n", resp.Bridge.BridgeID, resp.Outcome)
	return 0
}

func (r *Runner) accepted(resp api.AcceptedResponse, jsonOut bool, what string) int {
	if jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "%s accepted for %s\n", what, resp.BridgeID)
	return 0
}

func (r *Runner) runControl(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("control", flag.ContinueOnError)
	index := fs.Uint("index", 0, "parameter index")
	value := fs.Float64("value", 0, "parameter value")
	rt := fs.Bool("rt", false, "route through the audio thread")
	jsonOut := fs.Bool("json", false, "output JSON")
	id, ok := r.parseWithID(fs, args, "control <bridge-id> --index <n> --value <v> [--rt]")
	if !ok {
		return 2
	}
	resp, err := r.client.SetControl(ctx, id, api.ControlRequest{Index: uint32(*index), Value: float32(*value), RT: *rt})
	if err != nil {
		return r.handleErr(err)
	}
	return r.accepted(resp, *jsonOut, "control")
}

func (r *Runner) runProgram(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("program", flag.ContinueOnError)
	index := fs.Int("index", -1, "program index")
	jsonOut := fs.Bool("json", false, "output JSON")
	id, ok := r.parseWithID(fs, args, "program <bridge-id> --index <n>")
	if !ok {
		return 2
	}
	if *index < 0 {
		_, _ = fmt.Fprintln(r.errOut, "error: --index is required")
		return 2
	}
	resp, err := r.client.SetProgram(ctx, id, api.ProgramRequest{Index: int32(*index)})
	if err != nil {
		return r.handleErr(err)
	}
	return r.accepted(resp, *jsonOut, "program")
}

func (r *Runner) runNote(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("note", flag.ContinueOnError)
	channel := fs.Uint("channel", 0, "MIDI channel 0-15")
	note := fs.Uint("note", 60, "MIDI note 0-127")
	velocity := fs.Uint("velocity", 100, "velocity 1-127")
	off := fs.Bool("off", false, "send a note off")
	allOff := fs.Bool("all-off", false, "note off for every note on the control channel")
	jsonOut := fs.Bool("json", false, "output JSON")
	id, ok := r.parseWithID(fs, args, "note <bridge-id> [--channel c] [--note n] [--velocity v] [--off|--all-off]")
	if !ok {
		return 2
	}
	if *channel > 15 || *note > 127 || *velocity > 127 {
		_, _ = fmt.Fprintln(r.errOut, "error: channel, note or velocity out of range")
		return 2
	}
	req := api.NoteRequest{Channel: uint8(*channel), Note: uint8(*note), Velocity: uint8(*velocity), AllOff: *allOff}
	if *off {
		req.Velocity = 0
	}
	resp, err := r.client.SendNote(ctx, id, req)
	if err != nil {
		return r.handleErr(err)
	}
	return r.accepted(resp, *jsonOut, "note")
}

func (r *Runner) runUI(ctx context.Context, args []string) int {
	if len(args) < 2 {
		_, _ = fmt.Fprintln(r.errOut, "usage: plugbridge ui <bridge-id> <show|hide|focus>")
		return 2
	}
	fs := flag.NewFlagSet("ui", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "output JSON")
	if !r.parseFlags(fs, args[2:]) {
		return 2
	}
	action := args[1]
	switch action {
	case "show", "hide", "focus":
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown ui action: %s\n", action)
		return 2
	}
	resp, err := r.client.UI(ctx, args[0], action)
	if err != nil {
		return r.handleErr(err)
	}
	return r.accepted(resp, *jsonOut, action)
}

func (r *Runner) runEvents(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	after := fs.Int64("after", 0, "start after this sequence")
	limit := fs.Int("limit", 0, "page size")
	follow := fs.Bool("follow", false, "keep polling for new notifications")
	interval := fs.Duration("interval", time.Second, "poll interval with --follow")
	jsonOut := fs.Bool("json", false, "output JSON lines")
	id, ok := r.parseWithID(fs, args, "events <bridge-id> [--after n] [--limit n] [--follow] [--json]")
	if !ok {
		return 2
	}
	if *after < 0 {
		_, _ = fmt.Fprintln(r.errOut, "error: --after must not be negative")
		return 2
	}
	p := newPalette(r.out)
	enc := json.NewEncoder(r.out)
	err := r.client.FollowNotifications(ctx, id, appclient.FollowOptions{
		After:        *after,
		Limit:        *limit,
		PollInterval: *interval,
		Once:         !*follow,
	}, func(item api.NotificationItem) error {
		if *jsonOut {
			return enc.Encode(item)
		}
		line := fmt.Sprintf("%6d  %-26s %4d %4d %8.3f", item.Seq, item.Kind, item.Value1, item.Value2, item.Value3)
		if item.Text != "" {
			line += "  " + item.Text
		}
		_, err := fmt.Fprintln(r.out, p.dim.Render(item.CreatedAt)+"  "+line)
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: plugbridge [--socket <path>] <health|list|show|start|stop|control|program|note|ui|events> ...")
}
