package iiod

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

// fakeServer answers commands on the server end of a net.Pipe. handle is
// called once per received command line.
func fakeServer(t *testing.T, handle func(cmd string, r *bufio.Reader, w io.Writer)) *Client {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	go func() {
		r := bufio.NewReader(server)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			handle(strings.TrimRight(line, "\r\n"), r, server)
		}
	}()
	return NewClient(client, WithTimeout(2*time.Second))
}

// readWritePayload consumes the payload announced by the last field of a
// WRITE style command.
func readWritePayload(t *testing.T, cmd string, r *bufio.Reader) string {
	fields := strings.Fields(cmd)
	n, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		t.Errorf("bad length in %q", cmd)
		return ""
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Errorf("read payload: %v", err)
	}
	return string(buf)
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{in: "ip:192.168.2.1", want: "192.168.2.1:30431"},
		{in: "phaser.local", want: "phaser.local:30431"},
		{in: "10.0.0.2:1234", want: "10.0.0.2:1234"},
		{in: "  ", wantErr: true},
		{in: "usb:1.2.3", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseURI(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseURI(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseURI(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestDialTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			io.Copy(io.Discard, conn)
		}
	}()

	c, err := DialTimeout(context.Background(), ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("DialTimeout: %v", err)
	}
	defer c.Close()
	if c.timeout != time.Second || c.Addr() != ln.Addr().String() {
		t.Fatalf("timeout %v addr %s", c.timeout, c.Addr())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := DialTimeout(ctx, ln.Addr().String(), time.Second); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}

func TestVersion(t *testing.T) {
	c := fakeServer(t, func(cmd string, r *bufio.Reader, w io.Writer) {
		if cmd != "VERSION" {
			t.Errorf("unexpected command %q", cmd)
		}
		io.WriteString(w, "0.25.b6028fd\n")
	})
	major, minor, git, err := c.Version(context.Background())
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if major != 0 || minor != 25 || git != "b6028fd" {
		t.Fatalf("got %d.%d %q", major, minor, git)
	}
}

func TestReadAttributeTargets(t *testing.T) {
	tests := []struct {
		name string
		call func(*Client) (string, error)
		want string
	}{
		{
			name: "device",
			call: func(c *Client) (string, error) {
				return c.ReadDeviceAttr(context.Background(), "adf4159", "frequency")
			},
			want: "READ adf4159 frequency",
		},
		{
			name: "input channel",
			call: func(c *Client) (string, error) {
				return c.ReadChannelAttr(context.Background(), "ad9361-phy", false, "voltage0", "hardwaregain")
			},
			want: "READ ad9361-phy INPUT voltage0 hardwaregain",
		},
		{
			name: "output channel",
			call: func(c *Client) (string, error) {
				return c.ReadChannelAttr(context.Background(), "ad9361-phy", true, "altvoltage1", "frequency")
			},
			want: "READ ad9361-phy OUTPUT altvoltage1 frequency",
		},
		{
			name: "debug",
			call: func(c *Client) (string, error) {
				return c.ReadDebugAttr(context.Background(), "adar1000_0", "direct_reg_access")
			},
			want: "READ adar1000_0 DEBUG direct_reg_access",
		},
		{
			name: "buffer",
			call: func(c *Client) (string, error) {
				return c.ReadBufferAttr(context.Background(), "cf-ad9361-lpc", "length")
			},
			want: "READ cf-ad9361-lpc BUFFER length",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := make(chan string, 1)
			c := fakeServer(t, func(cmd string, r *bufio.Reader, w io.Writer) {
				got <- cmd
				io.WriteString(w, "5\nhello\n")
			})
			value, err := tt.call(c)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if value != "hello" {
				t.Fatalf("value = %q", value)
			}
			if cmd := <-got; cmd != tt.want {
				t.Fatalf("command = %q, want %q", cmd, tt.want)
			}
		})
	}
}

func TestReadNegativeStatusIsErrno(t *testing.T) {
	c := fakeServer(t, func(cmd string, r *bufio.Reader, w io.Writer) {
		io.WriteString(w, "-22\n")
	})
	_, err := c.ReadDeviceAttr(context.Background(), "dev", "missing")
	var errno *ErrnoError
	if !errors.As(err, &errno) {
		t.Fatalf("expected ErrnoError, got %v", err)
	}
	if !errors.Is(err, syscall.EINVAL) {
		t.Fatalf("expected EINVAL, got %v", errno.Code)
	}
}

func TestReadShortPayload(t *testing.T) {
	c := fakeServer(t, func(cmd string, r *bufio.Reader, w io.Writer) {
		io.WriteString(w, "10\nabc")
		w.(net.Conn).Close()
	})
	if _, err := c.ReadDeviceAttr(context.Background(), "dev", "attr"); err == nil {
		t.Fatal("expected short payload error")
	}
}

func TestEmptyArgumentsFailBeforeIO(t *testing.T) {
	c := NewClient(nil)
	if _, err := c.ReadDeviceAttr(context.Background(), "", "x"); err == nil {
		t.Fatal("expected error for empty device")
	}
	if err := c.WriteChannelAttr(context.Background(), "dev", false, "voltage0", " ", "1"); err == nil {
		t.Fatal("expected error for empty attribute")
	}
	if _, _, _, err := c.Version(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestWriteChannelAttrSendsPayload(t *testing.T) {
	type write struct{ cmd, payload string }
	got := make(chan write, 1)
	c := fakeServer(t, func(cmd string, r *bufio.Reader, w io.Writer) {
		got <- write{cmd, readWritePayload(t, cmd, r)}
		io.WriteString(w, "3\n")
	})
	if err := c.WriteChannelAttr(context.Background(), "adar1000_0", false, "voltage2", "hardwaregain", "127"); err != nil {
		t.Fatalf("write: %v", err)
	}
	w := <-got
	if w.cmd != "WRITE adar1000_0 INPUT voltage2 hardwaregain 3" || w.payload != "127" {
		t.Fatalf("unexpected write %+v", w)
	}
}

func TestWriteFloatAndErrno(t *testing.T) {
	got := make(chan string, 2)
	status := []string{"9\n", "-5\n"}
	i := 0
	c := fakeServer(t, func(cmd string, r *bufio.Reader, w io.Writer) {
		got <- readWritePayload(t, cmd, r)
		io.WriteString(w, status[i])
		i++
	})
	if err := c.WriteFloat(context.Background(), "dev", "voltage0", true, "scale", 0.5); err != nil {
		t.Fatalf("WriteFloat: %v", err)
	}
	if p := <-got; p != "0.5" {
		t.Fatalf("payload %q", p)
	}
	err := c.WriteInt(context.Background(), "dev", "", false, "sync", 1)
	if !errors.Is(err, syscall.EIO) {
		t.Fatalf("expected EIO, got %v", err)
	}
}

func TestRegReadWrite(t *testing.T) {
	var cmds []string
	c := fakeServer(t, func(cmd string, r *bufio.Reader, w io.Writer) {
		switch {
		case strings.HasPrefix(cmd, "WRITE"):
			cmds = append(cmds, readWritePayload(t, cmd, r))
			io.WriteString(w, "0\n")
		case strings.HasPrefix(cmd, "READ"):
			io.WriteString(w, "4\n0x55\n")
		}
	})
	ctx := context.Background()
	if err := c.RegWrite(ctx, "axi-core", 0x80000048, 0x2); err != nil {
		t.Fatalf("RegWrite: %v", err)
	}
	v, err := c.RegRead(ctx, "adar1000_0", 0x400)
	if err != nil {
		t.Fatalf("RegRead: %v", err)
	}
	if v != 0x55 {
		t.Fatalf("RegRead = 0x%X", v)
	}
	if cmds[0] != "0x80000048 0x2" || cmds[1] != "0x400" {
		t.Fatalf("unexpected register payloads %q", cmds)
	}
}

func TestSetTimeout(t *testing.T) {
	got := make(chan string, 1)
	c := fakeServer(t, func(cmd string, r *bufio.Reader, w io.Writer) {
		got <- cmd
		io.WriteString(w, "0\n")
	})
	if err := c.SetTimeout(context.Background(), 30*time.Second); err != nil {
		t.Fatalf("SetTimeout: %v", err)
	}
	if cmd := <-got; cmd != "TIMEOUT 30000" {
		t.Fatalf("command %q", cmd)
	}
	if c.timeout != 30*time.Second {
		t.Fatalf("client deadline %v, want the server timeout", c.timeout)
	}
}

func TestReadIntegerSkipsPadding(t *testing.T) {
	c := fakeServer(t, func(cmd string, r *bufio.Reader, w io.Writer) {
		pad := make([]byte, 16)
		copy(pad, "7")
		pad[len(pad)-1] = '\n'
		w.Write([]byte("\r\n"))
		w.Write(pad)
	})
	n, err := c.exec(context.Background(), "OPEN dev 4 00000003", nil)
	if err != nil || n != 7 {
		t.Fatalf("exec = %d, %v", n, err)
	}
}

func TestContextCancelUnblocksRead(t *testing.T) {
	c := fakeServer(t, func(cmd string, r *bufio.Reader, w io.Writer) {})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	if _, err := c.ReadDeviceAttr(ctx, "dev", "attr"); err == nil {
		t.Fatal("expected error after cancel")
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancel did not unblock the read")
	}
}

const sampleXML = `<?xml version="1.0" encoding="utf-8"?>
<context name="network" version-major="0" version-minor="25" version-git="b6028fd" description="phaser">
  <context-attribute name="hw_model" value="Analog Devices PlutoSDR Rev.C (Z7010-AD9363A)" />
  <device id="iio:device0" name="adar1000_0" label="BEAM0">
    <channel id="voltage0" type="input">
      <attribute name="hardwaregain" filename="in_voltage0_hardwaregain" />
      <attribute name="phase" filename="in_voltage0_phase" />
    </channel>
    <attribute name="sequencer_enable" />
    <debug-attribute name="direct_reg_access" />
  </device>
  <device id="iio:device3" name="cf-ad9361-lpc">
    <channel id="voltage1" type="input">
      <scan-element index="1" format="le:S12/16&gt;&gt;0" />
    </channel>
    <channel id="voltage0" type="input">
      <scan-element index="0" format="le:S12/16&gt;&gt;0" />
    </channel>
    <channel id="voltage2" type="input">
      <scan-element index="2" format="le:S12/16&gt;&gt;0" />
    </channel>
    <channel id="voltage3" type="input">
      <scan-element index="3" format="le:S12/16&gt;&gt;0" />
    </channel>
    <buffer-attribute name="length_align_bytes" />
  </device>
</context>`

func TestContextIsFetchedOnceAndParsed(t *testing.T) {
	calls := 0
	c := fakeServer(t, func(cmd string, r *bufio.Reader, w io.Writer) {
		calls++
		fmt.Fprintf(w, "%d\n%s\n", len(sampleXML), sampleXML)
	})
	ctx := context.Background()
	parsed, err := c.Context(ctx)
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	if _, err := c.Context(ctx); err != nil {
		t.Fatalf("second Context: %v", err)
	}
	if calls != 1 {
		t.Fatalf("PRINT sent %d times", calls)
	}
	if parsed.VersionMinor != "25" || len(parsed.Devices) != 2 {
		t.Fatalf("unexpected context %+v", parsed)
	}
	dev, ok := parsed.FindDevice("BEAM0")
	if !ok || dev.Name != "adar1000_0" {
		t.Fatalf("FindDevice by label failed: %+v", dev)
	}
	ch, ok := dev.Channel("voltage0", false)
	if !ok || !ch.HasAttribute("phase") {
		t.Fatalf("channel lookup failed")
	}
	if _, ok := dev.Channel("voltage0", true); ok {
		t.Fatal("output channel should not match")
	}
	rx, _ := parsed.FindDevice("cf-ad9361-lpc")
	mask, err := rx.Mask("voltage0", "voltage1")
	if err != nil {
		t.Fatalf("Mask: %v", err)
	}
	if mask.String() != "00000003" || mask.Count() != 2 {
		t.Fatalf("mask = %s", mask)
	}
	if _, err := rx.Mask("voltage9"); err == nil {
		t.Fatal("expected unknown channel error")
	}
}

func TestParseScanFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    ScanFormat
		wantErr bool
	}{
		{in: "le:S12/16>>0", want: ScanFormat{Signed: true, FullyDefined: true, Bits: 12, Storage: 16, Repeat: 1}},
		{in: "be:u24/32>>8", want: ScanFormat{BigEndian: true, Bits: 24, Storage: 32, Repeat: 1, Shift: 8}},
		{in: "le:s16/16X2>>0", want: ScanFormat{Signed: true, Bits: 16, Storage: 16, Repeat: 2}},
		{in: "xx:S12/16>>0", wantErr: true},
		{in: "le:S12>>0", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseScanFormat(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseScanFormat(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseScanFormat(%q) = %+v, %v", tt.in, got, err)
		}
	}
	if b := (ScanFormat{Storage: 16, Repeat: 2}).Bytes(); b != 4 {
		t.Fatalf("Bytes = %d", b)
	}
}
