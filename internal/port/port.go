// Package port picks the TCP port the backend process binds.
package port

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

const (
	DefaultPort = 8765
	DefaultHost = "127.0.0.1"
)

// ErrPortUnavailable is returned when neither the default nor an ephemeral port is free.
var ErrPortUnavailable = errors.New("no available port")

// Allocator prefers DefaultPort when it is free and otherwise asks the kernel for an
// ephemeral one. Zero values fall back to DefaultPort and DefaultHost.
type Allocator struct {
	Host        string
	DefaultPort uint16
}

func (a Allocator) host() string {
	if a.Host == "" {
		return DefaultHost
	}
	return a.Host
}

func (a Allocator) preferred() uint16 {
	if a.DefaultPort == 0 {
		return DefaultPort
	}
	return a.DefaultPort
}

// Allocate returns a port that was free at the time of the call.
func (a Allocator) Allocate() (uint16, error) {
	host := a.host()
	if p := a.preferred(); IsFree(host, p) {
		return p, nil
	}
	p, err := ephemeral(host)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPortUnavailable, err)
	}
	return p, nil
}

// ephemeralAttempts bounds how often a kernel-chosen port is re-drawn when it
// turns out to be taken on the configured host.
const ephemeralAttempts = 8

// IsFree reports whether port is unused on every local interface: a TCP
// listener must bind host, the IPv4 wildcard and, when the system has IPv6,
// the IPv6 wildcard.
func IsFree(host string, p uint16) bool {
	if p == 0 {
		return false
	}
	ps := strconv.Itoa(int(p))
	addrs := []string{net.JoinHostPort(host, ps), net.JoinHostPort("0.0.0.0", ps)}
	if hasIPv6() {
		addrs = append(addrs, net.JoinHostPort("::", ps))
	}
	for _, addr := range addrs {
		if !canListen(addr) {
			return false
		}
	}
	return true
}

func canListen(addr string) bool {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

var (
	ipv6Once sync.Once
	ipv6OK   bool
)

func hasIPv6() bool {
	ipv6Once.Do(func() {
		l, err := net.Listen("tcp6", "[::1]:0")
		if err == nil {
			ipv6OK = true
			_ = l.Close()
		}
	})
	return ipv6OK
}

// ephemeral draws a port from the kernel on the wildcard address and keeps it
// only if it is also free on host.
func ephemeral(host string) (uint16, error) {
	var lastErr error
	for i := 0; i < ephemeralAttempts; i++ {
		p, err := wildcardPort()
		if err != nil {
			return 0, err
		}
		if IsFree(host, p) {
			return p, nil
		}
		lastErr = fmt.Errorf("port %d is not free on %s", p, host)
	}
	return 0, lastErr
}

func wildcardPort() (uint16, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Close() }()
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok || addr.Port <= 0 || addr.Port > 65535 {
		return 0, fmt.Errorf("unexpected listener address %v", l.Addr())
	}
	return uint16(addr.Port), nil
}
