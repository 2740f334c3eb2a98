package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	SocketPath             string
	DBPath                 string
	StubBinary             string
	PipeBufferSize         int
	HandshakeTimeout       time.Duration
	StopTimeout            time.Duration
	ReadTimeout            time.Duration
	WriteTimeout           time.Duration
	PollInterval           time.Duration
	ClosingRounds          int
	ClosingRoundInterval   time.Duration
	IdleInterval           time.Duration
	EngineInterval         time.Duration
	EngineFrames           uint32
	HealthProbeInterval    time.Duration
	BridgeDownWindow       time.Duration
	BridgeDownFailures     int
	BridgeRecoverSuccesses int
	NotificationTTL        time.Duration
}

func DefaultConfig() Config {
	return Config{
		SocketPath:             defaultSocketPath(),
		DBPath:                 defaultDBPath(),
		StubBinary:             "plugbridge-stub",
		PipeBufferSize:         4096,
		HandshakeTimeout:       10 * time.Second,
		StopTimeout:            5 * time.Second,
		ReadTimeout:            50 * time.Millisecond,
		WriteTimeout:           2 * time.Second,
		PollInterval:           5 * time.Millisecond,
		ClosingRounds:          100,
		ClosingRoundInterval:   50 * time.Millisecond,
		IdleInterval:           30 * time.Millisecond,
		EngineInterval:         5 * time.Millisecond,
		EngineFrames:           256,
		HealthProbeInterval:    time.Second,
		BridgeDownWindow:       30 * time.Second,
		BridgeDownFailures:     3,
		BridgeRecoverSuccesses: 2,
		NotificationTTL:        7 * 24 * time.Hour,
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "plugbridge", "plugbridged.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".plugbridged.sock"
	}
	return filepath.Join(home, ".local", "state", "plugbridge", "plugbridged.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "plugbridge.db"
	}
	return filepath.Join(home, ".local", "state", "plugbridge", "journal.db")
}
