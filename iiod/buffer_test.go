package iiod

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"
	"testing"
)

func TestChannelMask(t *testing.T) {
	m := NewChannelMask(40)
	if len(m) != 2 {
		t.Fatalf("expected two words, got %d", len(m))
	}
	m.Set(0)
	m.Set(1)
	m.Set(33)
	m.Set(99)
	if !m.IsSet(33) || m.IsSet(2) || m.Count() != 3 {
		t.Fatalf("unexpected mask state %v", m)
	}
	if got := m.String(); got != "0000000200000003" {
		t.Fatalf("String = %q", got)
	}
}

func TestOpenReadClose(t *testing.T) {
	payload := []byte("0123456789abcdef")
	var cmds []string
	c := fakeServer(t, func(cmd string, r *bufio.Reader, w io.Writer) {
		cmds = append(cmds, cmd)
		switch {
		case strings.HasPrefix(cmd, "OPEN"), strings.HasPrefix(cmd, "CLOSE"):
			io.WriteString(w, "0\n")
		case strings.HasPrefix(cmd, "READBUF"):
			// two chunks, each with its mask line
			fmt.Fprintf(w, "%d\n00000003\n", 10)
			w.Write(payload[:10])
			fmt.Fprintf(w, "%d\n00000003\n", 6)
			w.Write(payload[10:])
		}
	})
	ctx := context.Background()
	mask := NewChannelMask(4)
	mask.Set(0)
	mask.Set(1)
	buf, err := c.OpenBuffer(ctx, "cf-ad9361-lpc", 4, mask, false)
	if err != nil {
		t.Fatalf("OpenBuffer: %v", err)
	}
	dst := make([]byte, len(payload))
	n, err := buf.Read(ctx, dst)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(payload) || !bytes.Equal(dst, payload) {
		t.Fatalf("Read = %d %q", n, dst)
	}
	if err := buf.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := buf.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	want := []string{"OPEN cf-ad9361-lpc 4 00000003", "READBUF cf-ad9361-lpc 16", "CLOSE cf-ad9361-lpc"}
	if strings.Join(cmds, "|") != strings.Join(want, "|") {
		t.Fatalf("commands = %q", cmds)
	}
	if _, err := buf.Read(ctx, dst); err == nil {
		t.Fatal("read on closed buffer should fail")
	}
}

func TestReadBufEndAndError(t *testing.T) {
	step := 0
	c := fakeServer(t, func(cmd string, r *bufio.Reader, w io.Writer) {
		switch step {
		case 0:
			io.WriteString(w, "4\n00000001\nabcd0\n")
		case 1:
			io.WriteString(w, "-110\n")
		}
		step++
	})
	b := &Buffer{client: c, device: "dev", samples: 2, mask: ChannelMask{1}}
	dst := make([]byte, 8)
	n, err := b.Read(context.Background(), dst)
	if err != nil || n != 4 || string(dst[:4]) != "abcd" {
		t.Fatalf("Read = %d, %v, %q", n, err, dst[:n])
	}
	if _, err := b.Read(context.Background(), dst); !errors.Is(err, syscall.ETIMEDOUT) {
		t.Fatalf("expected ETIMEDOUT, got %v", err)
	}
}

func TestOpenBufferValidation(t *testing.T) {
	c := NewClient(nil)
	ctx := context.Background()
	if _, err := c.OpenBuffer(ctx, "dev", 0, ChannelMask{1}, false); err == nil {
		t.Fatal("expected error for zero samples")
	}
	if _, err := c.OpenBuffer(ctx, "dev", 16, NewChannelMask(2), false); err == nil {
		t.Fatal("expected error for empty mask")
	}
}

func TestWriteBufCyclic(t *testing.T) {
	type seen struct{ cmd, payload string }
	got := make(chan seen, 2)
	c := fakeServer(t, func(cmd string, r *bufio.Reader, w io.Writer) {
		if strings.HasPrefix(cmd, "WRITEBUF") {
			got <- seen{cmd, readWritePayload(t, cmd, r)}
			io.WriteString(w, "8\n")
			return
		}
		got <- seen{cmd: cmd}
		io.WriteString(w, "0\n")
	})
	ctx := context.Background()
	buf, err := c.OpenBuffer(ctx, "cf-ad9361-dds-core-lpc", 2, ChannelMask{0x3}, true)
	if err != nil {
		t.Fatalf("OpenBuffer: %v", err)
	}
	if s := <-got; s.cmd != "OPEN cf-ad9361-dds-core-lpc 2 00000003 CYCLIC" {
		t.Fatalf("open command %q", s.cmd)
	}
	n, err := buf.Write(ctx, []byte("ABCDEFGH"))
	if err != nil || n != 8 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if s := <-got; s.payload != "ABCDEFGH" {
		t.Fatalf("payload %q", s.payload)
	}
}
