package daemon

import (
	"testing"
	"time"

	"github.com/g960059/plugbridge/internal/config"
	"github.com/g960059/plugbridge/internal/model"
)

func TestHealthTransitionPolicy(t *testing.T) {
	cfg := config.DefaultConfig()
	now := time.Now().UTC()
	state := HealthState{Current: model.BridgeHealthOK, LastTransitionAt: now}

	state = NextHealth(cfg, state, false, now.Add(1*time.Second))
	if state.Current != model.BridgeHealthDegraded {
		t.Fatalf("ok->degraded expected, got %s", state.Current)
	}
	state = NextHealth(cfg, state, false, now.Add(2*time.Second))
	state = NextHealth(cfg, state, false, now.Add(3*time.Second))
	if state.Current != model.BridgeHealthDown {
		t.Fatalf("degraded->down expected after failures, got %s", state.Current)
	}

	state = NextHealth(cfg, state, true, now.Add(4*time.Second))
	if state.Current != model.BridgeHealthDown {
		t.Fatalf("still down until enough success, got %s", state.Current)
	}
	state = NextHealth(cfg, state, true, now.Add(5*time.Second))
	if state.Current != model.BridgeHealthOK {
		t.Fatalf("down->ok expected on recovery threshold, got %s", state.Current)
	}
}

func TestDownTransitionRequiresFailureWindow(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BridgeDownWindow = 2 * time.Second
	now := time.Now().UTC()

	state := HealthState{Current: model.BridgeHealthOK, LastTransitionAt: now}
	state = NextHealth(cfg, state, false, now.Add(1*time.Second))  // degraded
	state = NextHealth(cfg, state, false, now.Add(10*time.Second)) // outside window, resets
	state = NextHealth(cfg, state, false, now.Add(11*time.Second)) // second within new window

	if state.Current != model.BridgeHealthDegraded {
		t.Fatalf("expected degraded (not down) with failures outside window, got %s", state.Current)
	}
}
