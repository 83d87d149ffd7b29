//go:build !unix

package sliq

import "net"

func forceSetBufferSizes(*net.UDPConn, int, int) error { return nil }
