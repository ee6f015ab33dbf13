package cluster

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
)

// Discovery yields the worker endpoints to probe, as base URLs.
type Discovery interface {
	Endpoints(ctx context.Context) ([]string, error)
}

// StaticDiscovery is a fixed, configured list of worker base URLs.
type StaticDiscovery []string

func (s StaticDiscovery) Endpoints(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(s))
	seen := make(map[string]bool, len(s))
	for _, u := range s {
		u = normalizeURL(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out, nil
}

// DNSDiscovery resolves Host to its addresses and builds scheme://addr:port
// endpoints, sorted so chunk-to-worker pairing stays deterministic.
type DNSDiscovery struct {
	Host     string
	Port     string
	Scheme   string
	Resolver *net.Resolver
}

func (d DNSDiscovery) Endpoints(ctx context.Context) ([]string, error) {
	resolver := d.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupHost(ctx, d.Host)
	if err != nil {
		return nil, fmt.Errorf("resolving workers at %s: %w", d.Host, err)
	}
	sort.Strings(addrs)

	scheme := d.Scheme
	if scheme == "" {
		scheme = "http"
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(a, d.Port)))
	}
	return out, nil
}

// normalizeURL accepts "host:port" or a full URL and drops trailing slashes.
func normalizeURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "http://" + u
	}
	return strings.TrimRight(u, "/")
}
