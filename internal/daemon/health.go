package daemon

import (
	"time"

	"github.com/g960059/plugbridge/internal/config"
	"github.com/g960059/plugbridge/internal/model"
)

type HealthState struct {
	Current              model.BridgeHealth
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

// NextHealth folds one probe result into state. A single failure degrades a
// healthy bridge; BridgeDownFailures failures inside BridgeDownWindow take it
// down; BridgeRecoverSuccesses successes bring it back.
func NextHealth(cfg config.Config, state HealthState, success bool, now time.Time) HealthState {
	if state.Current == "" {
		state.Current = model.BridgeHealthOK
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}

	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if state.Current != model.BridgeHealthOK && state.ConsecutiveSuccesses >= cfg.BridgeRecoverSuccesses {
			state.Current = model.BridgeHealthOK
			state.LastTransitionAt = now
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	switch state.Current {
	case model.BridgeHealthOK:
		state.Current = model.BridgeHealthDegraded
		state.LastTransitionAt = now
	case model.BridgeHealthDegraded:
		if now.Sub(state.LastTransitionAt) > cfg.BridgeDownWindow {
			// window expired; this failure opens a new one
			state.ConsecutiveFailures = 1
			state.LastTransitionAt = now
			return state
		}
		if state.ConsecutiveFailures >= cfg.BridgeDownFailures {
			state.Current = model.BridgeHealthDown
			state.LastTransitionAt = now
		}
	case model.BridgeHealthDown:
		// stays down until enough successful probes arrive
	}
	return state
}
