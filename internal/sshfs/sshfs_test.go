package sshfs

import (
	"context"
	"errors"
	"testing"
)

func TestAttributePath(t *testing.T) {
	tests := []struct {
		device, channel string
		output          bool
		attr, want      string
	}{
		{"iio:device0", "", false, "sampling_frequency", "/sys/bus/iio/devices/iio:device0/sampling_frequency"},
		{"iio:device0", "voltage0", false, "hardwaregain", "/sys/bus/iio/devices/iio:device0/in_voltage0_hardwaregain"},
		{"iio:device0", "altvoltage1", true, "frequency", "/sys/bus/iio/devices/iio:device0/out_altvoltage1_frequency"},
	}
	for _, tt := range tests {
		if got := AttributePath(DefaultSysfsRoot, tt.device, tt.channel, tt.output, tt.attr); got != tt.want {
			t.Fatalf("AttributePath = %q, want %q", got, tt.want)
		}
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"":          "''",
		"1":         "'1'",
		"it's":      `'it'\''s'`,
		"$(reboot)": "'$(reboot)'",
	}
	for in, want := range tests {
		if got := ShellQuote(in); got != want {
			t.Fatalf("ShellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewDefaults(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("expected error without host")
	}
	c, err := New(Config{Host: "pluto.local"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.cfg.User != "root" || c.cfg.Port != 22 || c.cfg.SysfsRoot != DefaultSysfsRoot {
		t.Fatalf("defaults not applied: %+v", c.cfg)
	}
	if c.AttributePath("d", "", false, "a") != DefaultSysfsRoot+"/d/a" {
		t.Fatal("client path mismatch")
	}
}

func TestRunWithoutCredentials(t *testing.T) {
	c, _ := New(Config{Host: "127.0.0.1"}, nil)
	if _, _, err := c.Run(context.Background(), "true"); err == nil {
		t.Fatal("expected credential error")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close on idle client: %v", err)
	}
}

func TestErrCommandUnwrap(t *testing.T) {
	base := errors.New("exit 1")
	err := error(&ErrCommand{Cmd: "false", Stderr: "boom\n", Err: base})
	if !errors.Is(err, base) {
		t.Fatal("expected unwrap to base error")
	}
	if err.Error() != `ssh "false": exit 1: boom` {
		t.Fatalf("message %q", err.Error())
	}
}
