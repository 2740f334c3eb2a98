package model

import "time"

// BridgeState is the lifecycle state of a bridge persisted in the journal.
type BridgeState string

const (
	BridgeStarting BridgeState = "starting"
	BridgeReady    BridgeState = "ready"
	BridgeFailed   BridgeState = "failed"
	BridgeStopped  BridgeState = "stopped"
)

// BridgeHealth summarizes recent liveness probes of a bridge child.
type BridgeHealth string

const (
	BridgeHealthOK       BridgeHealth = "ok"
	BridgeHealthDegraded BridgeHealth = "degraded"
	BridgeHealthDown     BridgeHealth = "down"
)

// Bridge is one host-side bridge and the child process behind it.
type Bridge struct {
	BridgeID      string
	PluginID      uint32
	Name          string
	Filename      string
	Args          []string
	PID           *int64
	State         BridgeState
	Health        BridgeHealth
	Outcome       string
	LastError     string
	DroppedEvents int64
	StartedAt     time.Time
	StoppedAt     *time.Time
	UpdatedAt     time.Time
}

// Active reports whether the bridge still owns a child.
func (b Bridge) Active() bool {
	return b.State == BridgeStarting || b.State == BridgeReady
}

// Notification is one host callback emitted while draining a bridge's
// real-time events. Seq is dense and ordered per bridge.
type Notification struct {
	NotificationID string
	BridgeID       string
	Seq            int64
	Kind           string
	Value1         int32
	Value2         int32
	Value3         float64
	Text           string
	CreatedAt      time.Time
}

// Error codes defined by API contract.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrBridgeNotReady     = "E_BRIDGE_NOT_READY"
	ErrBridgeStartFailed  = "E_BRIDGE_START_FAILED"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
	ErrQueueFull          = "E_QUEUE_FULL"
	ErrCursorInvalid      = "E_CURSOR_INVALID"
)
