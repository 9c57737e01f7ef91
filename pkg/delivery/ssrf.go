// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package delivery

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// ErrBlockedAddress marks destinations that resolve into internal address
// space. Guard trips are terminal: the job dead-letters without retries.
var ErrBlockedAddress = errors.New("destination address is not allowed")

// dialTimeout bounds the TCP connect of guarded dials; the per-attempt
// context still caps the whole exchange.
const dialTimeout = 10 * time.Second

// Guard vets outbound destinations against loopback, link-local, private,
// multicast and unspecified address space. Hosts are resolved once at
// validation time and again at send time, and the send-time socket connects
// to the exact IP of the second resolution, so a DNS record changed between
// the two (rebinding) cannot reach an internal address.
type Guard struct {
	lookupIP func(ctx context.Context, host string) ([]net.IP, error)
	blocked  func(ip net.IP) bool
}

// NewGuard returns a Guard using the default resolver.
func NewGuard() *Guard {
	return &Guard{lookupIP: systemLookupIP, blocked: blockedIP}
}

func systemLookupIP(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// ValidateURL checks an outbound http(s) URL: scheme, host presence, and
// every resolved address of the host. The control plane calls it on
// integration and route create/update.
func (g *Guard) ValidateURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "invalid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return errors.New("URL has no host")
	}
	_, err = g.ResolveHost(ctx, u.Hostname())
	return err
}

// ResolveHost resolves host, vets every returned address and returns the
// one the caller must connect to. Literal IPs are vetted directly.
func (g *Guard) ResolveHost(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if g.blocked(ip) {
			return nil, errors.Wrapf(ErrBlockedAddress, "%s", ip)
		}
		return ip, nil
	}

	ips, err := g.lookupIP(ctx, host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", host)
	}
	if len(ips) == 0 {
		return nil, errors.Errorf("host %s has no addresses", host)
	}
	// All records must pass: a mixed public/private answer is an attack,
	// not a configuration.
	for _, ip := range ips {
		if g.blocked(ip) {
			return nil, errors.Wrapf(ErrBlockedAddress, "%s resolves to %s", host, ip)
		}
	}
	return ips[0], nil
}

// DialContext resolves the host at dial time and connects to exactly that
// IP. HTTP transports plug it in, so TLS verification still runs against
// the hostname while the socket is pinned.
func (g *Guard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ip, err := g.ResolveHost(ctx, host)
	if err != nil {
		return nil, err
	}
	d := &net.Dialer{Timeout: dialTimeout}
	return d.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
}

func blockedIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return ip.IsUnspecified() ||
		ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsPrivate()
}
