package discovery

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func entry(instance, host string, port int, ips ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, Service, Domain)
	e.HostName = host
	e.Port = port
	for _, s := range ips {
		ip := net.ParseIP(s)
		if ip.To4() != nil {
			e.AddrIPv4 = append(e.AddrIPv4, ip)
		} else {
			e.AddrIPv6 = append(e.AddrIPv6, ip)
		}
	}
	return e
}

func TestDiscoverDeduplicates(t *testing.T) {
	browse := func(ctx context.Context, entries chan<- *zeroconf.ServiceEntry) error {
		go func() {
			entries <- entry(`iiod\ on\ phaser`, "phaser.local.", 30431, "192.168.2.1")
			entries <- nil
			entries <- entry(`iiod\ on\ phaser`, "phaser.local.", 30431, "192.168.2.1", "fe80::1")
			entries <- entry(`iiod\ on\ pluto`, "pluto.local.", 30431, "fe80::2")
			close(entries)
		}()
		return nil
	}
	hosts, err := discover(context.Background(), nil, browse)
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 2 {
		t.Fatalf("got %d hosts, want 2", len(hosts))
	}
	if hosts[0].Instance != "iiod on phaser" || len(hosts[0].Addresses) != 2 {
		t.Fatalf("first host %+v", hosts[0])
	}
	if got := hosts[0].URI(); got != "ip:192.168.2.1:30431" {
		t.Fatalf("URI = %s", got)
	}
	if got := hosts[1].Addr(); got != "[fe80::2]:30431" {
		t.Fatalf("Addr = %s", got)
	}
}

func TestDiscoverBrowseError(t *testing.T) {
	boom := errors.New("no multicast")
	_, err := discover(context.Background(), nil, func(context.Context, chan<- *zeroconf.ServiceEntry) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

func TestDiscoverStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hosts, err := discover(ctx, nil, func(context.Context, chan<- *zeroconf.ServiceEntry) error {
		cancel()
		return nil
	})
	if err != nil || len(hosts) != 0 {
		t.Fatalf("hosts %v err %v", hosts, err)
	}
}

func TestAddrFallsBackToHostname(t *testing.T) {
	h := Host{Hostname: "pluto.local.", Port: 30431}
	if got := h.Addr(); got != "pluto.local:30431" {
		t.Fatalf("Addr = %s", got)
	}
}
