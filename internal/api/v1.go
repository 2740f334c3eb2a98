package api

import "time"

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type BridgeResponse struct {
	BridgeID      string   `json:"bridge_id"`
	PluginID      uint32   `json:"plugin_id"`
	Name          string   `json:"name"`
	Filename      string   `json:"filename"`
	Args          []string `json:"args"`
	PID           *int64   `json:"pid,omitempty"`
	State         string   `json:"state"`
	Health        string   `json:"health"`
	Outcome       string   `json:"outcome,omitempty"`
	LastError     string   `json:"last_error,omitempty"`
	DroppedEvents int64    `json:"dropped_events"`
	StartedAt     string   `json:"started_at"`
	StoppedAt     *string  `json:"stopped_at,omitempty"`
	UpdatedAt     string   `json:"updated_at"`
}

type BridgesEnvelope struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Bridges       []BridgeResponse `json:"bridges"`
}

type BridgeEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Bridge        BridgeResponse `json:"bridge"`
}

// ParameterSpec declares one plugin parameter when starting a bridge.
type ParameterSpec struct {
	Name    string  `json:"name"`
	Default float32 `json:"default"`
	Min     float32 `json:"min"`
	Max     float32 `json:"max"`
}

type StartBridgeRequest struct {
	Name       string          `json:"name"`
	PluginID   uint32          `json:"plugin_id"`
	Filename   string          `json:"filename,omitempty"`
	Helper     string          `json:"helper,omitempty"`
	Arg1       string          `json:"arg1,omitempty"`
	Arg2       string          `json:"arg2,omitempty"`
	Env        []string        `json:"env,omitempty"`
	Parameters []ParameterSpec `json:"parameters,omitempty"`
	Programs   []string        `json:"programs,omitempty"`
	// ControlChannel is the MIDI channel for all-notes-off. Nil keeps channel
	// 0 and -1 disables it.
	ControlChannel *int8 `json:"control_channel,omitempty"`
	// ProgramForm is "single" (the default) or "bank". With "bank" program
	// changes travel as bank and program in both directions.
	ProgramForm string `json:"program_form,omitempty"`
}

type StopBridgeResponse struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Outcome       string         `json:"outcome"`
	Bridge        BridgeResponse `json:"bridge"`
}

type ControlRequest struct {
	Index uint32  `json:"index"`
	Value float32 `json:"value"`
	// RT routes the change through the audio thread's event queue instead of
	// applying it directly.
	RT bool `json:"rt,omitempty"`
}

type ProgramRequest struct {
	Index int32 `json:"index"`
}

type NoteRequest struct {
	Channel  uint8 `json:"channel"`
	Note     uint8 `json:"note"`
	Velocity uint8 `json:"velocity"`
	// AllOff queues a note off for every note on the control channel and
	// ignores the other fields.
	AllOff bool `json:"all_off,omitempty"`
}

type AcceptedResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	BridgeID      string    `json:"bridge_id"`
	Accepted      bool      `json:"accepted"`
}

type NotificationItem struct {
	Seq       int64   `json:"seq"`
	Kind      string  `json:"kind"`
	Value1    int32   `json:"value1"`
	Value2    int32   `json:"value2"`
	Value3    float64 `json:"value3"`
	Text      string  `json:"text,omitempty"`
	CreatedAt string  `json:"created_at"`
}

type NotificationsEnvelope struct {
	SchemaVersion string             `json:"schema_version"`
	GeneratedAt   time.Time          `json:"generated_at"`
	BridgeID      string             `json:"bridge_id"`
	NextCursor    int64              `json:"next_cursor"`
	Items         []NotificationItem `json:"items"`
}
