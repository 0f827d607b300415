package net

import (
	"fmt"
	"net"
)

// EphemeralLoopbackAddr reserves a free TCP port on 127.0.0.1 and returns it as "127.0.0.1:port".
// The port is released before returning, so a caller racing other listeners may still lose it.
func EphemeralLoopbackAddr() (string, error) {
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().String(), nil
}
