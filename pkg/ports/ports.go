// Package ports picks listen addresses for the bridge's HTTP surfaces.
package ports

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"
)

const (
	searchSpan  = 1000
	maxAttempts = 50
)

// Available reports whether host:port can be listened on right now.
func Available(host string, port int) bool {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}

// FindAvailablePort returns port when it is free on host, otherwise a random
// free port in [port, port+1000].
func FindAvailablePort(host string, port int) (int, error) {
	if Available(host, port) {
		return port, nil
	}

	maxPort := port + searchSpan
	if maxPort > 65535 {
		maxPort = 65535
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate := port + rand.Intn(maxPort-port+1)
		if Available(host, candidate) {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no free port after %d attempts in range %d-%d", maxAttempts, port, maxPort)
}

// ResolveAddr returns addr, or addr with a free port substituted when the
// requested one is taken. Port 0 is passed through for the kernel to pick.
func ResolveAddr(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return "", fmt.Errorf("invalid port in listen address %q", addr)
	}
	if port == 0 {
		return addr, nil
	}

	free, err := FindAvailablePort(host, port)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(free)), nil
}
