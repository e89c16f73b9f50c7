//go:build !linux

package sockopt

import (
	"syscall"
	"time"
)

// Control 在非 Linux 平台上不设置任何选项。
func Control(time.Duration) func(network, address string, c syscall.RawConn) error {
	return nil
}
