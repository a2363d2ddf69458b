// Package discovery finds OctoPrint instances announced over mDNS and
// converts SSDP announcements into the same shape.
package discovery

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// ServiceType is the service OctoPrint announces
	ServiceType = "_octoprint._tcp"
	// Domain is the mDNS browse domain
	Domain = "local."

	defaultBrowseTimeout = 5 * time.Second
)

// Info describes one announced instance
type Info struct {
	Instance   string
	Hostname   string
	Port       int
	Addresses  []string
	Properties map[string]string
}

// FromServiceEntry converts a resolved mDNS entry. TXT records without a
// value are kept with an empty value.
func FromServiceEntry(entry *zeroconf.ServiceEntry) Info {
	info := Info{
		Instance:   entry.Instance,
		Hostname:   entry.HostName,
		Port:       entry.Port,
		Properties: make(map[string]string, len(entry.Text)),
	}

	for _, ip := range entry.AddrIPv4 {
		info.Addresses = append(info.Addresses, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		info.Addresses = append(info.Addresses, ip.String())
	}

	for _, txt := range entry.Text {
		key, value, _ := strings.Cut(txt, "=")
		if key == "" {
			continue
		}
		info.Properties[key] = value
	}
	return info
}

// FromSSDPLocation converts the LOCATION header of an SSDP announcement.
// The location names the device description, so the web root is assumed.
func FromSSDPLocation(location string) (Info, error) {
	u, err := url.Parse(location)
	if err != nil {
		return Info{}, fmt.Errorf("invalid SSDP location %q: %w", location, err)
	}
	if u.Hostname() == "" {
		return Info{}, fmt.Errorf("invalid SSDP location %q: no host", location)
	}

	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Info{}, fmt.Errorf("invalid SSDP location %q: %w", location, err)
		}
	}

	return Info{
		Instance:   u.Hostname(),
		Hostname:   u.Hostname(),
		Port:       port,
		Properties: map[string]string{"path": "/"},
	}, nil
}

// Browser scans the local network for OctoPrint instances
type Browser struct {
	logger  *zap.Logger
	timeout time.Duration
}

// NewBrowser creates a browser. A zero timeout uses a five second scan.
func NewBrowser(logger *zap.Logger, timeout time.Duration) *Browser {
	if timeout <= 0 {
		timeout = defaultBrowseTimeout
	}
	return &Browser{logger: logger, timeout: timeout}
}

// Browse scans until the timeout or ctx ends and returns every instance seen
func (b *Browser) Browse(ctx context.Context) ([]Info, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	b.logger.Debug("Starting mDNS scan",
		zap.String("service", ServiceType),
		zap.Duration("timeout", b.timeout))

	entries := make(chan *zeroconf.ServiceEntry, 10)
	if err := resolver.Browse(scanCtx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("mDNS browse failed: %w", err)
	}

	var found []Info
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return found, nil
			}
			info := FromServiceEntry(entry)
			b.logger.Info("Discovered OctoPrint",
				zap.String("instance", info.Instance),
				zap.String("hostname", info.Hostname),
				zap.Int("port", info.Port))
			found = append(found, info)
		case <-scanCtx.Done():
			return found, nil
		}
	}
}
