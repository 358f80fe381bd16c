package session

import (
	"net"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
)

const (
	firstScannedPort = 1025
	lastScannedPort  = 65535
)

// ListenAvailablePort binds the first free loopback TCP port above the
// reserved range and returns the bound listener. The listener is handed to
// the session as-is; releasing and re-binding the port would race other
// allocations.
func ListenAvailablePort() (net.Listener, error) {
	for port := firstScannedPort; port <= lastScannedPort; port++ {
		listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err == nil {
			return listener, nil
		}
		if errors.Is(err, syscall.EADDRINUSE) {
			continue
		}
		return nil, errors.Wrap(err, "error while setting up loopback listener")
	}
	return nil, errors.New("no ports available")
}
