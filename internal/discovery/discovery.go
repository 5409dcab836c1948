// Package discovery finds IIOD servers announced over mDNS / DNS-SD.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/rjboer/adiphaser/internal/logging"
)

// Service is the DNS-SD service type IIOD announces.
const (
	Service = "_iio._tcp"
	Domain  = "local."
)

// Host is a discovered IIOD server.
type Host struct {
	Instance  string   `json:"instance"` // "iiod on pluto"
	Hostname  string   `json:"hostname"` // "pluto.local."
	Addresses []net.IP `json:"addresses"`
	Port      int      `json:"port"`
	TXT       []string `json:"txt,omitempty"`
}

// Addr returns host:port for the first address, IPv4 preferred. It falls
// back to the hostname when no address was resolved.
func (h Host) Addr() string {
	host := strings.TrimSuffix(h.Hostname, ".")
	if len(h.Addresses) > 0 {
		host = h.Addresses[0].String()
	}
	for _, ip := range h.Addresses {
		if ip.To4() != nil {
			host = ip.String()
			break
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(h.Port))
}

// URI returns the context URI of the host, "ip:<addr>".
func (h Host) URI() string { return "ip:" + h.Addr() }

// browseFunc starts a browse that delivers entries until ctx ends, then
// closes entries.
type browseFunc func(ctx context.Context, entries chan<- *zeroconf.ServiceEntry) error

// Discover browses for IIOD servers until ctx is done and returns the
// hosts seen, deduplicated by hostname and port and sorted by instance.
func Discover(ctx context.Context, log logging.Logger) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver: %w", err)
	}
	return discover(ctx, logging.Or(log), func(ctx context.Context, entries chan<- *zeroconf.ServiceEntry) error {
		return resolver.Browse(ctx, Service, Domain, entries)
	})
}

func discover(ctx context.Context, log logging.Logger, browse browseFunc) ([]Host, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]Host)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil {
					continue
				}
				h := hostFrom(e)
				key := fmt.Sprintf("%s|%d", h.Hostname, h.Port)
				if _, seen := found[key]; !seen {
					log.Debug("iiod host found", logging.F("instance", h.Instance), logging.F("addr", h.Addr()))
				}
				found[key] = h
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := browse(ctx, entries); err != nil {
		return nil, fmt.Errorf("browse: %w", err)
	}
	<-done

	out := make([]Host, 0, len(found))
	for _, h := range found {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instance != out[j].Instance {
			return out[i].Instance < out[j].Instance
		}
		return out[i].Hostname < out[j].Hostname
	})
	return out, nil
}

func hostFrom(e *zeroconf.ServiceEntry) Host {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Host{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
}

// cleanInstance removes DNS-SD escapes: "\ " becomes " ".
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
