package main

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/rjboer/adiphaser/internal/beamformer"
	"github.com/rjboer/adiphaser/internal/sdr"
)

const defaultConfigPath = "config.json"

// persistentConfig is the part of the command line remembered between runs.
type persistentConfig struct {
	Backend        string  `json:"sdr_backend"`
	SDRURI         string  `json:"sdr_uri"`
	PhaserURI      string  `json:"phaser_uri"`
	SampleRate     float64 `json:"sample_rate"`
	RxLO           float64 `json:"rx_lo"`
	RxGain         int     `json:"rx_gain"`
	NumSamples     int     `json:"num_samples"`
	ToneOffset     float64 `json:"tone_offset"`
	SignalFreq     float64 `json:"signal_freq"`
	ProfilePath    string  `json:"profile_path"`
	HB100Path      string  `json:"hb100_path"`
	TrackingLength int     `json:"tracking_length"`
	TrackingMode   string  `json:"tracking_mode"`
	PhaseStep      float64 `json:"phase_step"`
	WarmupBuffers  int     `json:"warmup_buffers"`
	HistoryLimit   int     `json:"history_limit"`
	WebAddr        string  `json:"web_addr"`
	LogLevel       string  `json:"log_level"`
	LogFormat      string  `json:"log_format"`
	SSHHost        string  `json:"ssh_host,omitempty"`
	SSHUser        string  `json:"ssh_user,omitempty"`
	SSHKeyPath     string  `json:"ssh_key_path,omitempty"`
	SimAngle       float64 `json:"sim_angle"`
}

// cliConfig is the merged configuration of one invocation.
type cliConfig struct {
	persistentConfig
	configPath string
	sim        bool
}

func defaultPersistentConfig() persistentConfig {
	return persistentConfig{
		Backend:        "pluto",
		SDRURI:         "ip:192.168.2.1",
		PhaserURI:      "ip:phaser.local",
		SampleRate:     sdr.DefaultSampleRate,
		RxLO:           sdr.DefaultRxLO,
		RxGain:         sdr.DefaultRxGain,
		NumSamples:     sdr.DefaultNumSamples,
		ToneOffset:     100e3,
		SignalFreq:     beamformer.DefaultSignalFreq,
		ProfilePath:    "phaser_cal.yaml",
		HB100Path:      "hb100.yaml",
		TrackingLength: 0,
		TrackingMode:   "single",
		PhaseStep:      1,
		WarmupBuffers:  3,
		HistoryLimit:   500,
		WebAddr:        "",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

func loadOrCreateConfig(path string) (persistentConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaultPersistentConfig()
			if saveErr := saveConfig(path, cfg); saveErr != nil {
				return persistentConfig{}, saveErr
			}
			return cfg, nil
		}
		return persistentConfig{}, err
	}
	defer f.Close()

	cfg := defaultPersistentConfig()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return persistentConfig{}, err
	}
	return cfg, nil
}

func saveConfig(path string, cfg persistentConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// configPathFromArgs finds --config before the flag set exists, since the
// file supplies the flag defaults.
func configPathFromArgs(args []string, lookup func(string) (string, bool)) string {
	path := envString(lookup, "PHASER_CONFIG", defaultConfigPath)
	for i, a := range args {
		if a == "--" {
			break
		}
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			path = v
		} else if a == "--config" && i+1 < len(args) {
			path = args[i+1]
		}
	}
	return path
}

// bindFlags registers the persistent flags on fs. Defaults come from the
// environment, falling back to the config file.
func bindFlags(fs *pflag.FlagSet, cfg *cliConfig, lookup func(string) (string, bool), defaults persistentConfig) {
	fs.StringVar(&cfg.configPath, "config", envString(lookup, "PHASER_CONFIG", defaultConfigPath), "Persistent JSON configuration file")
	fs.BoolVar(&cfg.sim, "sim", envBool(lookup, "PHASER_SIM", false), "Use the simulated board")
	fs.StringVar(&cfg.Backend, "sdr-backend", envString(lookup, "PHASER_SDR_BACKEND", defaults.Backend), "SDR backend (sim|pluto)")
	fs.StringVar(&cfg.SDRURI, "sdr-uri", envString(lookup, "PHASER_SDR_URI", defaults.SDRURI), "IIOD URI of the receiver")
	fs.StringVar(&cfg.PhaserURI, "phaser-uri", envString(lookup, "PHASER_URI", defaults.PhaserURI), "IIOD URI of the beamformer board")
	fs.Float64Var(&cfg.SampleRate, "sample-rate", envFloat(lookup, "PHASER_SAMPLE_RATE", defaults.SampleRate), "Sample rate in Hz")
	fs.Float64Var(&cfg.RxLO, "rx-lo", envFloat(lookup, "PHASER_RX_LO", defaults.RxLO), "RX LO frequency in Hz")
	fs.IntVar(&cfg.RxGain, "rx-gain", envInt(lookup, "PHASER_RX_GAIN", defaults.RxGain), "RX hardware gain of both channels (dB)")
	fs.IntVar(&cfg.NumSamples, "num-samples", envInt(lookup, "PHASER_NUM_SAMPLES", defaults.NumSamples), "Number of samples per RX call")
	fs.Float64Var(&cfg.ToneOffset, "tone-offset", envFloat(lookup, "PHASER_TONE_OFFSET", defaults.ToneOffset), "Baseband offset of the received tone in Hz")
	fs.Float64Var(&cfg.SignalFreq, "signal-freq", envFloat(lookup, "PHASER_SIGNAL_FREQ", defaults.SignalFreq), "Emitter frequency in Hz")
	fs.StringVar(&cfg.ProfilePath, "profile", envString(lookup, "PHASER_PROFILE", defaults.ProfilePath), "Calibration profile (YAML)")
	fs.StringVar(&cfg.HB100Path, "hb100", envString(lookup, "PHASER_HB100", defaults.HB100Path), "Saved HB100 frequency (YAML)")
	fs.IntVar(&cfg.TrackingLength, "tracking-length", envInt(lookup, "PHASER_TRACKING_LENGTH", defaults.TrackingLength), "Number of tracking iterations, 0 runs until interrupted")
	fs.StringVar(&cfg.TrackingMode, "tracking-mode", envString(lookup, "PHASER_TRACKING_MODE", defaults.TrackingMode), "Tracking mode (single|multi)")
	fs.Float64Var(&cfg.PhaseStep, "phase-step", envFloat(lookup, "PHASER_PHASE_STEP", defaults.PhaseStep), "Phase step (degrees) for monopulse updates")
	fs.IntVar(&cfg.WarmupBuffers, "warmup-buffers", envInt(lookup, "PHASER_WARMUP_BUFFERS", defaults.WarmupBuffers), "Number of RX buffers to discard for warm-up")
	fs.IntVar(&cfg.HistoryLimit, "history-limit", envInt(lookup, "PHASER_HISTORY_LIMIT", defaults.HistoryLimit), "Maximum samples to keep in telemetry history")
	fs.StringVar(&cfg.WebAddr, "web-addr", envString(lookup, "PHASER_WEB_ADDR", defaults.WebAddr), "Optional web telemetry listen address (e.g. :8080)")
	fs.StringVar(&cfg.LogLevel, "log-level", envString(lookup, "PHASER_LOG_LEVEL", defaults.LogLevel), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.LogFormat, "log-format", envString(lookup, "PHASER_LOG_FORMAT", defaults.LogFormat), "Log format (text|json)")
	fs.StringVar(&cfg.SSHHost, "ssh-host", envString(lookup, "PHASER_SSH_HOST", defaults.SSHHost), "Optional SSH host for sysfs attribute fallback")
	fs.StringVar(&cfg.SSHUser, "ssh-user", envString(lookup, "PHASER_SSH_USER", defaults.SSHUser), "SSH user")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", envString(lookup, "PHASER_SSH_KEY", defaults.SSHKeyPath), "SSH private key path")
	fs.Float64Var(&cfg.SimAngle, "sim-angle", envFloat(lookup, "PHASER_SIM_ANGLE", defaults.SimAngle), "Emitter angle of the simulated board in degrees")
}

// parseConfig parses args against a standalone flag set.
func parseConfig(args []string, lookup func(string) (string, bool), defaults persistentConfig) (cliConfig, error) {
	var cfg cliConfig
	fs := pflag.NewFlagSet("phaser", pflag.ContinueOnError)
	bindFlags(fs, &cfg, lookup, defaults)
	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

// backend is the selected SDR backend; --sim wins over the saved choice.
func (c cliConfig) backend() string {
	if c.sim {
		return "sim"
	}
	return c.Backend
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}
