//go:build !unix

package dns

import "syscall"

// listenControl is a no-op where SO_REUSEADDR tuning is unavailable.
func listenControl(bool) func(network, address string, c syscall.RawConn) error {
	return nil
}
