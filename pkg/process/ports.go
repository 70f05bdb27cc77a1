package process

import (
	"fmt"
	"net"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// FindFreePort asks the OS for an unused TCP port by binding to port 0 and
// releasing the listener.
func FindFreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to probe for a free port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// IsPortAvailable checks whether a specific port can currently be bound.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// PidOfListener returns the PID of the process listening on the given TCP
// port, or 0 if none could be identified.
func PidOfListener(port int) int32 {
	conns, err := psnet.Connections("tcp")
	if err != nil {
		return 0
	}
	for _, conn := range conns {
		if conn.Status == "LISTEN" && conn.Laddr.Port == uint32(port) && conn.Pid > 0 {
			return conn.Pid
		}
	}
	return 0
}
