//go:build linux || darwin

package cem

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// parseSockaddr maps an address string to a socket family and address.
// Addresses containing a path separator are unix-domain sockets; everything
// else is host:port with an empty host meaning all interfaces. Hosts must be
// numeric: names are not resolved, as resolution would block the runtime.
func parseSockaddr(addr string) (int, unix.Sockaddr, error) {
	if strings.Contains(addr, "/") {
		return unix.AF_UNIX, &unix.SockaddrUnix{Name: addr}, nil
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, nil, fmt.Errorf("cem: bad address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return 0, nil, fmt.Errorf("cem: bad port in address %q", addr)
	}
	if host == "" {
		return unix.AF_INET, &unix.SockaddrInet4{Port: port}, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return 0, nil, fmt.Errorf("cem: bad host in address %q: names are not resolved", addr)
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return unix.AF_INET6, sa, nil
}

// sockaddrString renders a kernel sockaddr as the matching address string.
func sockaddrString(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), strconv.Itoa(sa.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), strconv.Itoa(sa.Port))
	case *unix.SockaddrUnix:
		return sa.Name
	default:
		return fmt.Sprintf("%v", sa)
	}
}
