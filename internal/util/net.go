package util

import (
	"fmt"
	"net"
	"strings"
)

// ValidateAddr checks that a client address is usable: either a bare
// host:port endpoint or a ws:// / wss:// URL. The empty string is
// rejected so a spec can never be persisted without an endpoint.
func ValidateAddr(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		rest := strings.TrimPrefix(strings.TrimPrefix(addr, "wss://"), "ws://")
		if rest == "" || strings.HasPrefix(rest, "/") {
			return fmt.Errorf("websocket address missing host: %s", addr)
		}
		return nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("address must be host:port or ws(s)://host[:port]/path: %w", err)
	}
	if host == "" {
		return fmt.Errorf("address missing host: %s", addr)
	}
	if port == "" {
		return fmt.Errorf("address missing port: %s", addr)
	}
	return nil
}
