// Package discovery advertises and finds sdrsource control servers on the
// local network over mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"
)

const (
	Service = "_sdrsource._tcp"
	Domain  = "local."
)

// Host is one advertised control server.
type Host struct {
	Instance  string
	Hostname  string
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Value returns the value of a key=value TXT record.
func (h Host) Value(key string) string {
	for _, kv := range h.TXT {
		if strings.HasPrefix(kv, key+"=") {
			return kv[len(key)+1:]
		}
	}
	return ""
}

func (h Host) String() string {
	addr := h.Hostname
	if len(h.Addresses) > 0 {
		addr = h.Addresses[0].String()
	}
	return fmt.Sprintf("%s (%s)", h.Instance, net.JoinHostPort(addr, fmt.Sprint(h.Port)))
}

// Advertise registers the service until ctx is done.
func Advertise(ctx context.Context, instance string, port int, txt []string) error {
	server, err := zeroconf.Register(instance, Service, Domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	log.Info().Str("instance", instance).Int("port", port).Strs("txt", txt).Msg("advertising over mdns")
	<-ctx.Done()
	server.Shutdown()
	return ctx.Err()
}

// Browse collects the servers that answer within timeout. Hosts are
// deduplicated by hostname and port.
func Browse(ctx context.Context, timeout time.Duration) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	c := newCollector()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				c.add(e)
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}
	<-done

	return c.hosts(), nil
}

type collector struct {
	seen map[string]Host
}

func newCollector() *collector {
	return &collector{seen: make(map[string]Host)}
}

func (c *collector) add(e *zeroconf.ServiceEntry) {
	if e == nil {
		return
	}
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)

	key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
	if prev, ok := c.seen[key]; ok {
		addrs = mergeIPs(prev.Addresses, addrs)
	}
	c.seen[key] = Host{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
}

func (c *collector) hosts() []Host {
	out := make([]Host, 0, len(c.seen))
	for _, h := range c.seen {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instance != out[j].Instance {
			return out[i].Instance < out[j].Instance
		}
		return out[i].Port < out[j].Port
	})
	return out
}

func mergeIPs(a, b []net.IP) []net.IP {
	out := append([]net.IP{}, a...)
next:
	for _, ip := range b {
		for _, have := range out {
			if have.Equal(ip) {
				continue next
			}
		}
		out = append(out, ip)
	}
	return out
}

// cleanInstance removes zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
