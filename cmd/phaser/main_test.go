package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rjboer/adiphaser/iiod"
	"github.com/rjboer/adiphaser/internal/calibration"
	"github.com/rjboer/adiphaser/internal/discovery"
	"github.com/rjboer/adiphaser/internal/logging"
	"github.com/rjboer/adiphaser/internal/telemetry"
)

func noEnv(string) (string, bool) { return "", false }

// simArgs runs against the simulator with every file kept in a temp dir.
func simArgs(t *testing.T, args ...string) []string {
	t.Helper()
	dir := t.TempDir()
	base := []string{
		"--config", filepath.Join(dir, "config.json"),
		"--profile", filepath.Join(dir, "cal.yaml"),
		"--hb100", "",
		"--sim",
		"--log-level", "error",
	}
	return append(base, args...)
}

func TestParseConfigDefaults(t *testing.T) {
	defaults := defaultPersistentConfig()
	cfg, err := parseConfig([]string{}, noEnv, defaults)
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.SampleRate != 30e6 || cfg.RxLO != 2.2e9 || cfg.NumSamples != 1024 || cfg.backend() != "pluto" {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
}

func TestParseConfigEnvOverrides(t *testing.T) {
	env := map[string]string{
		"PHASER_SAMPLE_RATE": "1000000",
		"PHASER_RX_LO":       "2300000001",
		"PHASER_SDR_URI":     "ip:10.0.0.2",
		"PHASER_NUM_SAMPLES": "2048",
		"PHASER_SIM":         "true",
		"PHASER_PHASE_STEP":  "bogus",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	defaults := defaultPersistentConfig()
	cfg, err := parseConfig([]string{"--num-samples", "512"}, lookup, defaults)
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cfg.SampleRate != 1e6 || cfg.RxLO != 2.300000001e9 || cfg.SDRURI != "ip:10.0.0.2" || cfg.NumSamples != 512 {
		t.Fatalf("env overrides not applied: %#v", cfg)
	}
	if cfg.PhaseStep != defaults.PhaseStep {
		t.Fatalf("unparsable env value used: %g", cfg.PhaseStep)
	}
	if cfg.backend() != "sim" || cfg.Backend != "pluto" {
		t.Fatalf("backend %q saved %q", cfg.backend(), cfg.Backend)
	}
}

func TestConfigPathFromArgs(t *testing.T) {
	tests := []struct {
		args []string
		env  string
		want string
	}{
		{nil, "", defaultConfigPath},
		{nil, "env.json", "env.json"},
		{[]string{"track", "--config", "a.json"}, "env.json", "a.json"},
		{[]string{"--config=b.json", "sweep"}, "", "b.json"},
		{[]string{"--", "--config", "c.json"}, "", defaultConfigPath},
	}
	for _, tt := range tests {
		lookup := func(key string) (string, bool) {
			if key == "PHASER_CONFIG" && tt.env != "" {
				return tt.env, true
			}
			return "", false
		}
		if got := configPathFromArgs(tt.args, lookup); got != tt.want {
			t.Errorf("configPathFromArgs(%q) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestLoadOrCreateConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg, err := loadOrCreateConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg != defaultPersistentConfig() {
		t.Fatalf("new config is not the default: %#v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	cfg.RxGain = 12
	cfg.WebAddr = ":9000"
	if err := saveConfig(path, cfg); err != nil {
		t.Fatal(err)
	}
	again, err := loadOrCreateConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if again.RxGain != 12 || again.WebAddr != ":9000" {
		t.Fatalf("saved values lost: %#v", again)
	}
}

func TestRunPersistsFlags(t *testing.T) {
	args := simArgs(t, "--rx-gain", "17", "version")
	var out bytes.Buffer
	if err := run(context.Background(), args, &out, noEnv); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "phaser ") {
		t.Fatalf("version output %q", out.String())
	}
	cfg, err := loadOrCreateConfig(args[1])
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RxGain != 17 || cfg.Backend != "pluto" {
		t.Fatalf("persisted config %#v", cfg)
	}
}

func TestVersionDialsFlagAndEnv(t *testing.T) {
	prevDial := dial
	dial = func(_ context.Context, addr string) (*iiod.Client, error) {
		return nil, errors.New(addr)
	}
	defer func() { dial = prevDial }()

	getenv := func(key string) (string, bool) {
		if key == "IIOD_ADDR" {
			return "env:1234", true
		}
		return "", false
	}
	var buf bytes.Buffer
	err := run(context.Background(), simArgs(t, "version", "--iiod-addr", "flag:5678"), &buf, getenv)
	if err == nil || !strings.Contains(err.Error(), "flag:5678") {
		t.Fatalf("expected dial to receive flag address, got %v", err)
	}
	err = run(context.Background(), simArgs(t, "version"), &buf, getenv)
	if err == nil || !strings.Contains(err.Error(), "env:1234") {
		t.Fatalf("expected dial to receive env address, got %v", err)
	}
}

func TestSelectBackendError(t *testing.T) {
	cfg := cliConfig{persistentConfig: defaultPersistentConfig()}
	cfg.Backend = "unknown"
	cfg.HB100Path = ""
	if _, err := selectBackend(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func simConfig(t *testing.T) cliConfig {
	t.Helper()
	cfg := cliConfig{persistentConfig: defaultPersistentConfig(), sim: true}
	cfg.NumSamples = 256
	cfg.RxGain = 20
	cfg.ProfilePath = filepath.Join(t.TempDir(), "cal.yaml")
	cfg.HB100Path = ""
	return cfg
}

func TestSelectBackendSimulator(t *testing.T) {
	cfg := simConfig(t)
	prof := calibration.DefaultProfile()
	prof.PCal[2] = 12.5
	if err := prof.Save(cfg.ProfilePath); err != nil {
		t.Fatal(err)
	}
	b, err := selectBackend(context.Background(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if b.Sim == nil || b.Calibrator == nil || b.TXAttrs == nil {
		t.Fatalf("bench %+v", b)
	}
	if b.Phaser.PCal[2] != 12.5 {
		t.Fatalf("profile not applied: %v", b.Phaser.PCal)
	}
	if b.Phaser.SignalFreq != cfg.SignalFreq {
		t.Fatalf("signal freq %g", b.Phaser.SignalFreq)
	}
}

func TestSignalFreqPrefersHB100(t *testing.T) {
	cfg := simConfig(t)
	cfg.HB100Path = filepath.Join(t.TempDir(), "hb100.yaml")
	if got, _ := cfg.signalFreq(); got != cfg.SignalFreq {
		t.Fatalf("missing file: %g", got)
	}
	if err := calibration.SaveHB100(cfg.HB100Path, 10.31e9); err != nil {
		t.Fatal(err)
	}
	if got, err := cfg.signalFreq(); err != nil || got != 10.31e9 {
		t.Fatalf("signalFreq = %g, %v", got, err)
	}
}

type eventRecorder []telemetry.CalibrationEvent

func (r *eventRecorder) ReportCalibration(ev telemetry.CalibrationEvent) { *r = append(*r, ev) }

func TestRunCalibrationReportsStages(t *testing.T) {
	b, err := selectBackend(context.Background(), simConfig(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	b.Phaser.Averages = 1

	var events eventRecorder
	prof, err := runCalibration(context.Background(), b.Calibrator, &events)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events", len(events))
	}
	for i, stage := range []string{"channel", "gain", "phase"} {
		if events[i].Stage != stage || events[i].RunID != prof.ID {
			t.Fatalf("event %d = %+v", i, events[i])
		}
	}
	if len(events[1].Values) != 8 || len(events[2].Values) != 8 {
		t.Fatalf("element values %d %d", len(events[1].Values), len(events[2].Values))
	}
	if err := prof.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestSweepOnSimulator(t *testing.T) {
	var out bytes.Buffer
	args := simArgs(t, "--sim-angle", "20", "--num-samples", "256", "sweep")
	if err := run(context.Background(), args, &out, noEnv); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	var angle float64
	if _, err := fmt.Sscanf(lines[len(lines)-1], "peak at %f deg", &angle); err != nil {
		t.Fatalf("parse %q: %v", lines[len(lines)-1], err)
	}
	if math.Abs(angle-20) > 2 {
		t.Fatalf("peak at %g degrees, want 20", angle)
	}
	if len(lines) != 128+2 {
		t.Fatalf("got %d lines", len(lines))
	}
}

func TestTrackOnSimulator(t *testing.T) {
	var out bytes.Buffer
	args := simArgs(t, "--sim-angle", "-10", "--tracking-length", "10", "--warmup-buffers", "1", "track", "--interval", "1ms")
	if err := run(context.Background(), args, &out, noEnv); err != nil {
		t.Fatal(err)
	}
	var angle float64
	if _, err := fmt.Sscanf(out.String(), "last steering angle %f deg", &angle); err != nil {
		t.Fatalf("parse %q: %v", out.String(), err)
	}
	if math.Abs(angle+10) > 2 {
		t.Fatalf("tracked %g degrees, want -10", angle)
	}
}

func TestSFDROnSimulator(t *testing.T) {
	var out bytes.Buffer
	args := simArgs(t, "sfdr", "--tx-tone", "1e6", "--discard", "1")
	if err := run(context.Background(), args, &out, noEnv); err != nil {
		t.Fatal(err)
	}
	var rep sfdrReport
	if err := json.Unmarshal(out.Bytes(), &rep); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	// the emitter sits 100 kHz above the LO and stands well clear of the noise
	if math.Abs(rep.SFDR.MainFreq-100e3) > 30e3 || rep.SFDR.DB < 20 {
		t.Fatalf("sfdr %+v", rep.SFDR)
	}
}

func TestToneOnSimulator(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), simArgs(t, "tone", "--freq", "2e6", "--freq2", "3e6"), &out, noEnv); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), `"TX1_I_F1"`) {
		t.Fatalf("channels not listed: %s", out.String())
	}
}

func TestStatusOnSimulator(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), simArgs(t, "status"), &out, noEnv); err != nil {
		t.Fatal(err)
	}
	var rep statusReport
	if err := json.Unmarshal(out.Bytes(), &rep); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if math.Abs(rep.Monitor.TemperatureC-40) > 0.5 {
		t.Fatalf("temperature %.2f", rep.Monitor.TemperatureC)
	}
	if len(rep.Levels) != 8 {
		t.Fatalf("levels %v", rep.Levels)
	}
	for i, l := range rep.Levels {
		if math.IsNaN(l) || math.IsInf(l, 0) {
			t.Fatalf("level %d = %v", i, l)
		}
	}
}

func TestPooledDialerReportsDialErrors(t *testing.T) {
	prev := dial
	calls := 0
	dial = func(_ context.Context, addr string) (*iiod.Client, error) {
		calls++
		return nil, errors.New("refused " + addr)
	}
	defer func() { dial = prev }()

	d := newPooledDialer()
	for i := 0; i < 2; i++ {
		if _, err := d.get(context.Background(), "ip:10.0.0.3"); err == nil {
			t.Fatal("expected dial error")
		}
	}
	if calls != 2 || len(d.pools) != 1 {
		t.Fatalf("calls %d pools %d", calls, len(d.pools))
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestDiscoverPrintsHosts(t *testing.T) {
	prev := discover
	discover = func(context.Context, logging.Logger) ([]discovery.Host, error) {
		return []discovery.Host{{Instance: "pluto", Hostname: "pluto.local.", Addresses: []net.IP{net.ParseIP("192.168.2.1")}, Port: 30431}}, nil
	}
	defer func() { discover = prev }()

	var out bytes.Buffer
	if err := run(context.Background(), simArgs(t, "discover", "--timeout", "10ms"), &out, noEnv); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "ip:192.168.2.1:30431") {
		t.Fatalf("discover output %q", out.String())
	}
}

func TestMCSFlags(t *testing.T) {
	if err := run(context.Background(), simArgs(t, "mcs"), &bytes.Buffer{}, noEnv); err == nil {
		t.Fatal("expected missing device error")
	}

	prevDial := dial
	dial = func(_ context.Context, addr string) (*iiod.Client, error) {
		return nil, errors.New("refused " + addr)
	}
	defer func() { dial = prevDial }()
	err := run(context.Background(), simArgs(t, "mcs", "--device", "ip:10.0.0.1", "--device", "ip:10.0.0.2"), &bytes.Buffer{}, noEnv)
	if err == nil || !strings.Contains(err.Error(), "refused ip:10.0.0.1") {
		t.Fatalf("err = %v", err)
	}
}

func TestMCSDialsOwnSyncConnection(t *testing.T) {
	var dialed []string
	prevDial := dial
	dial = func(_ context.Context, addr string) (*iiod.Client, error) {
		for _, d := range dialed {
			if d == addr {
				dialed = append(dialed, addr)
				return nil, errors.New("second connection refused")
			}
		}
		dialed = append(dialed, addr)
		client, server := net.Pipe()
		t.Cleanup(func() { server.Close() })
		return iiod.NewClient(client), nil
	}
	defer func() { dial = prevDial }()

	err := run(context.Background(), simArgs(t, "mcs", "--device", "ip:10.0.0.1", "--device", "ip:10.0.0.2"), &bytes.Buffer{}, noEnv)
	if err == nil || !strings.Contains(err.Error(), "sync ip:10.0.0.1") {
		t.Fatalf("err = %v", err)
	}
	want := []string{"ip:10.0.0.1", "ip:10.0.0.2", "ip:10.0.0.1"}
	if fmt.Sprint(dialed) != fmt.Sprint(want) {
		t.Fatalf("dialed %v, want %v", dialed, want)
	}
}

func TestSSHConfigFor(t *testing.T) {
	c := &cli{cfg: cliConfig{persistentConfig: persistentConfig{SSHUser: "analog", SSHKeyPath: "/k"}}}
	sc, err := c.sshConfigFor("ip:10.0.0.7")
	if err != nil {
		t.Fatal(err)
	}
	if sc.Host != "10.0.0.7" || sc.User != "analog" || sc.KeyPath != "/k" {
		t.Fatalf("ssh config %+v", sc)
	}
}
