package dispatch

import (
	"fmt"
	"net"
)

// findFreePort asks the kernel for an unused loopback port for the host endpoint
func findFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("no free loopback port: %w", err)
	}
	defer l.Close()

	return l.Addr().(*net.TCPAddr).Port, nil
}
