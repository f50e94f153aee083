package server

import (
	"fmt"
	"net"

	"github.com/plumehq/plume/config"
	"github.com/plumehq/plume/errors"
)

// isPortAvailable checks if a port is available for binding
func isPortAvailable(port int) bool {
	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = listener.Close() // Error ignored: best-effort port check, caller will retry on actual bind
	return true
}

// findAvailablePort tries the requested port, then the configured
// defaults, then a high fallback range.
func findAvailablePort(requestedPort int) (int, error) {
	if isPortAvailable(requestedPort) {
		return requestedPort, nil
	}

	preferredPorts := []int{config.DefaultServerPort, config.FallbackServerPort}
	for _, port := range preferredPorts {
		if port != requestedPort && isPortAvailable(port) {
			return port, nil
		}
	}

	fallbackStart := 48630
	for i := 0; i < 10; i++ {
		port := fallbackStart + i
		if isPortAvailable(port) {
			return port, nil
		}
	}

	return 0, errors.Newf("no available ports found (tried %d, %d, %d, and range %d-%d)",
		requestedPort, config.DefaultServerPort, config.FallbackServerPort, fallbackStart, fallbackStart+9)
}
