package net

import (
	"fmt"
	"net"
	"strconv"
)

// FreeLoopbackAddr returns a 127.0.0.1 host:port that was free a moment ago.
// Another process can still take the port before the caller binds it.
func FreeLoopbackAddr() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), nil
}
