package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/standardbeagle/flutter-mcp/internal/vmservice"
)

// ErrNoEndpoint is returned for an empty or blank service-info file.
var ErrNoEndpoint = errors.New("no vm service endpoint")

// Endpoint is a VM service location announced by a running app.
type Endpoint struct {
	URI          string    `json:"uri"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	Source       string    `json:"source,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// ParseEndpoint reads the contents of a --vmservice-out-file or a
// --write-service-info JSON document.
func ParseEndpoint(content []byte) (Endpoint, error) {
	text := strings.TrimSpace(string(content))
	if text == "" {
		return Endpoint{}, ErrNoEndpoint
	}

	if strings.HasPrefix(text, "{") {
		var info struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal([]byte(text), &info); err != nil {
			return Endpoint{}, fmt.Errorf("decode service info: %w", err)
		}
		if info.URI == "" {
			return Endpoint{}, ErrNoEndpoint
		}
		text = info.URI
	} else {
		// Tools sometimes append log output; the URI is the first line.
		text = strings.TrimSpace(strings.SplitN(text, "\n", 2)[0])
	}

	return NewEndpoint(text)
}

// NewEndpoint builds an Endpoint from any URI form the VM service accepts.
func NewEndpoint(raw string) (Endpoint, error) {
	uri, err := vmservice.NormalizeURI(raw)
	if err != nil {
		return Endpoint{}, err
	}
	u, err := url.Parse(uri)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse %s: %w", uri, err)
	}

	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		host = u.Host
		portStr = ""
	}
	port := 0
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid port in %s: %w", uri, err)
		}
	} else if u.Scheme == "wss" {
		port = 443
	} else {
		port = 80
	}

	return Endpoint{
		URI:          uri,
		Host:         host,
		Port:         port,
		DiscoveredAt: time.Now(),
	}, nil
}

// FromHostPort builds an unauthenticated endpoint for host and port.
func FromHostPort(host string, port int) (Endpoint, error) {
	if port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("invalid vm service port %d", port)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	ep, err := NewEndpoint(net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return Endpoint{}, err
	}
	ep.Source = "flags"
	return ep, nil
}
