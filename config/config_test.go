package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipcore/config"
	"github.com/ghettovoice/sipcore/flow"
	"github.com/ghettovoice/sipcore/timing"
	"github.com/ghettovoice/sipcore/transport"
)

const sample = `
listen:
  - udp://127.0.0.1:5060
  - ws://127.0.0.1:8080
timings:
  t1: 250ms
send_100_immediately: true
keepalive:
  tcp:
    mode: active
    method: crlf
    idle_timeout: 30s
    max_failed: 2
log:
  level: DEBUG
  format: json
`

func writeFile(t *testing.T, data string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sipcore.yaml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("os.WriteFile() error = %v, want nil", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("SIPCORE_TIMINGS_T2", "2s")
	t.Setenv("SIPCORE_METRICS_ADDR", ":9090")

	cfg, err := config.Load(writeFile(t, sample))
	if err != nil {
		t.Fatalf("config.Load() error = %v, want nil", err)
	}

	lss, err := cfg.Listeners()
	if err != nil {
		t.Fatalf("cfg.Listeners() error = %v, want nil", err)
	}
	wantLss := []config.Listener{
		{Proto: transport.UDP, Addr: "127.0.0.1:5060"},
		{Proto: transport.WS, Addr: "127.0.0.1:8080"},
	}
	if diff := cmp.Diff(wantLss, lss); diff != "" {
		t.Errorf("cfg.Listeners() mismatch (-want +got):\n%s", diff)
	}

	if got, want := cfg.Timings.Config(), timing.NewConfig(250*time.Millisecond, 2*time.Second, 0, 0, 0); got != want {
		t.Errorf("cfg.Timings.Config() = %v, want %v", got, want)
	}
	if !cfg.Send100Immediately {
		t.Error("cfg.Send100Immediately = false, want true")
	}
	if got, want := cfg.Metrics.Addr, ":9090"; got != want {
		t.Errorf("cfg.Metrics.Addr = %q, want %q", got, want)
	}
	if got, want := cfg.Log.Level, "debug"; got != want {
		t.Errorf("cfg.Log.Level = %q, want %q", got, want)
	}

	wantTCP := flow.DefaultKeepAlive().TCP
	wantTCP.Mode = flow.ModeActive
	wantTCP.IdleTimeout = 30 * time.Second
	wantTCP.MaxFailed = 2
	if diff := cmp.Diff(wantTCP, cfg.KeepAlive.TCP); diff != "" {
		t.Errorf("cfg.KeepAlive.TCP mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(flow.DefaultKeepAlive().UDP, cfg.KeepAlive.UDP); diff != "" {
		t.Errorf("cfg.KeepAlive.UDP mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		data string
	}{
		{"listen scheme", "listen: [\"sctp://127.0.0.1:5060\"]"},
		{"log level", "log: {level: loud}"},
		{"keep-alive mode", "keepalive: {udp: {mode: eager}}"},
		{"token key", "flow_token_key: abcd"},
		{"yaml", "listen: ["},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			if _, err := config.Load(writeFile(t, c.data)); !errors.Is(err, config.ErrInvalidConfig) {
				t.Errorf("config.Load() error = %v, want %v", err, config.ErrInvalidConfig)
			}
		})
	}
}

func TestConfig_TokenKey(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	if key, err := cfg.TokenKey(); err != nil || key != nil {
		t.Errorf("cfg.TokenKey() = %x, %v, want nil, nil", key, err)
	}
	cfg.FlowTokenKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	key, err := cfg.TokenKey()
	if err != nil {
		t.Fatalf("cfg.TokenKey() error = %v, want nil", err)
	}
	if len(key) != flow.TokenKeySize {
		t.Errorf("len(cfg.TokenKey()) = %d, want %d", len(key), flow.TokenKeySize)
	}
}
