// Package discovery announces the link server over mDNS and finds servers
// from the client side.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/enbility/zeroconf/v3"
	"vxi11-gpib-server/internal/config"
)

// MaxTXTDevices caps how many device names go into the TXT record.
const MaxTXTDevices = 8

// Advertiser keeps one registered service alive.
type Advertiser struct {
	mu     sync.Mutex
	server *zeroconf.Server
}

// Service is a link server found by Browse.
type Service struct {
	Instance  string
	Host      string
	Port      int
	Addresses []string
	Text      map[string]string
}

func interfaces(name string) []net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// TXTRecords builds the TXT strings for a server exposing devices.
func TXTRecords(devices []string) []string {
	txt := []string{
		"proto=gpiblink",
		fmt.Sprintf("devices=%d", len(devices)),
	}
	shown := devices
	if len(shown) > MaxTXTDevices {
		shown = shown[:MaxTXTDevices]
	}
	if len(shown) > 0 {
		txt = append(txt, "names="+strings.Join(shown, ";"))
	}
	return txt
}

// ParseTXT turns key=value strings into a map. Entries without '=' map to "".
func ParseTXT(txt []string) map[string]string {
	out := make(map[string]string, len(txt))
	for _, t := range txt {
		k, v, _ := strings.Cut(t, "=")
		out[k] = v
	}
	return out
}

// Advertise registers the service described by cfg on port.
func Advertise(cfg config.DiscoveryConfig, port int, devices []string) (*Advertiser, error) {
	server, err := zeroconf.Register(
		cfg.Instance,
		cfg.Service,
		cfg.Domain,
		port,
		TXTRecords(devices),
		interfaces(cfg.Interface),
	)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", cfg.Service, err)
	}
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the service.
func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Browse collects servers of service until ctx is done.
func Browse(ctx context.Context, service, domain, iface string) ([]Service, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	var opts []zeroconf.ClientOption
	if ifs := interfaces(iface); ifs != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifs))
	}

	found := make(map[string]*Service)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					entries = nil
					continue
				}
				if entry == nil {
					continue
				}
				svc, ok := found[entry.Instance]
				if !ok {
					svc = &Service{
						Instance: entry.Instance,
						Host:     entry.HostName,
						Port:     entry.Port,
						Text:     ParseTXT(entry.Text),
					}
					found[entry.Instance] = svc
				}
				for _, ip := range entry.AddrIPv4 {
					svc.Addresses = append(svc.Addresses, ip.String())
				}
				for _, ip := range entry.AddrIPv6 {
					svc.Addresses = append(svc.Addresses, ip.String())
				}
			case entry, ok := <-removed:
				if !ok {
					removed = nil
					continue
				}
				if entry != nil {
					delete(found, entry.Instance)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	err := zeroconf.Browse(ctx, service, domain, entries, removed, opts...)
	<-done
	if err != nil {
		return nil, fmt.Errorf("browse %s: %w", service, err)
	}

	out := make([]Service, 0, len(found))
	for _, svc := range found {
		out = append(out, *svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}
