package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/plugbridge/internal/db"
	"github.com/g960059/plugbridge/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "plugbridge-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedBridge inserts a ready bridge for pluginID and returns it.
func SeedBridge(t *testing.T, store *db.Store, ctx context.Context, bridgeID string, pluginID uint32) model.Bridge {
	t.Helper()
	now := time.Now().UTC()
	pid := int64(1001)
	b := model.Bridge{
		BridgeID:  bridgeID,
		PluginID:  pluginID,
		Name:      bridgeID,
		Filename:  "plugbridge-stub",
		PID:       &pid,
		State:     model.BridgeReady,
		Health:    model.BridgeHealthOK,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := store.InsertBridge(ctx, b); err != nil {
		t.Fatalf("seed bridge: %v", err)
	}
	return b
}
