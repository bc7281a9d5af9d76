//go:build !unix

package proxy

import "syscall"

// reuseAddr is a no-op on platforms without SOL_SOCKET control.
func reuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
