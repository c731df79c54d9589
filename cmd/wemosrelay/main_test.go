package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/nerrad567/wemos-relay/internal/gateway"
	"github.com/nerrad567/wemos-relay/internal/infrastructure/config"
)

// freePort asks the kernel for an unused TCP port.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func writeConfig(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("WEMOSRELAY_CONFIG", path)
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("WEMOSRELAY_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingIdentityURL verifies the authenticated deployment refuses
// to start without an identity backend.
func TestRun_MissingIdentityURL(t *testing.T) {
	t.Setenv("WEMOSRELAY_IDENTITY_URL", "")
	writeConfig(t, `
gateway:
  require_auth: true
database:
  path: "`+filepath.Join(t.TempDir(), "relay.db")+`"
logging:
  level: error
  format: text
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail without identity.url")
	}
}

// TestRun_StartupAndShutdown starts the relay without any optional
// backends and stops it through context cancellation.
func TestRun_StartupAndShutdown(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("WEMOSRELAY_API_PORT", "")
	dir := t.TempDir()
	writeConfig(t, `
gateway:
  require_auth: false
database:
  path: "`+filepath.Join(dir, "relay.db")+`"
mqtt:
  enabled: false
influxdb:
  enabled: false
api:
  host: "127.0.0.1"
  port: `+strconv.Itoa(freePort(t))+`
logging:
  level: error
  format: text
`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "relay.db")); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("WEMOSRELAY_CONFIG", "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("WEMOSRELAY_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

func TestInstanceName(t *testing.T) {
	cfg := &config.Config{}
	cfg.MQTT.Broker.ClientID = "relay-7"
	if got := instanceName(cfg); got != "relay-7" {
		t.Errorf("instanceName() = %q, want relay-7", got)
	}

	cfg.MQTT.Broker.ClientID = ""
	if got := instanceName(cfg); got == "" {
		t.Error("instanceName() should fall back to the hostname")
	}
}

func TestRegistryCounts(t *testing.T) {
	c := &registryCounts{}
	if got := c.Counts(); got != (gateway.Counts{}) {
		t.Errorf("Counts() before wiring = %+v", got)
	}

	gw, err := gateway.New(nil, nil, gateway.Options{})
	if err != nil {
		t.Fatal(err)
	}
	c.reg = gw.Registry()
	if got := c.Counts(); got != (gateway.Counts{}) {
		t.Errorf("Counts() on empty registry = %+v", got)
	}
}

func TestWorkerGroup_StopWaitsAndIsIdempotent(t *testing.T) {
	w := newWorkerGroup()
	finished := make(chan struct{})
	w.start(func(ctx context.Context) {
		<-ctx.Done()
		close(finished)
	})

	w.stop()
	select {
	case <-finished:
	default:
		t.Fatal("stop() returned before the worker finished")
	}
	w.stop()
}
