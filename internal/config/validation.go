package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []string

	if c.VMURIFile == "" {
		if strings.TrimSpace(c.VMHost) == "" {
			errs = append(errs, "vm_host cannot be empty when vm_uri_file is not set")
		}
		if c.VMPort <= 0 || c.VMPort > 65535 {
			errs = append(errs, fmt.Sprintf("vm_port %d is out of range", c.VMPort))
		}
	}

	switch c.Transport {
	case TransportStdio:
	case TransportHTTP:
		if err := validateAddr(c.HTTPAddr); err != nil {
			errs = append(errs, fmt.Sprintf("http_addr: %v", err))
		}
	default:
		errs = append(errs, fmt.Sprintf("transport must be %q or %q, got %q", TransportStdio, TransportHTTP, c.Transport))
	}

	if c.DiagnosticsAddr != "" {
		if err := validateAddr(c.DiagnosticsAddr); err != nil {
			errs = append(errs, fmt.Sprintf("diagnostics_addr: %v", err))
		}
	}

	durations := []struct {
		key   string
		value Duration
	}{
		{"registration_timeout", c.RegistrationTimeout},
		{"call_timeout", c.CallTimeout},
		{"poll_interval", c.PollInterval},
		{"stale_after", c.StaleAfter},
	}
	for _, d := range durations {
		if d.value.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive", d.key))
		}
	}
	if c.SettleDelay.Duration < 0 {
		errs = append(errs, "settle_delay cannot be negative")
	}

	if strings.TrimSpace(c.SweepSchedule) == "" {
		errs = append(errs, "sweep_schedule cannot be empty")
	}
	if c.ErrorBufferSize <= 0 {
		errs = append(errs, "error_buffer_size must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateAddr(addr string) error {
	if addr == "" {
		return errors.New("address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return err
	}
	return nil
}
