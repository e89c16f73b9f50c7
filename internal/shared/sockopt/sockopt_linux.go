//go:build linux

package sockopt

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Control 返回一个 net.Dialer.Control 函数，为出站 TCP 连接设置 TCP_USER_TIMEOUT，
// 使对端黑洞时未确认的写入在 userTimeout 内失败。
func Control(userTimeout time.Duration) func(network, address string, c syscall.RawConn) error {
	if userTimeout <= 0 {
		return nil
	}
	ms := int(userTimeout / time.Millisecond)
	return func(network, address string, c syscall.RawConn) error {
		switch network {
		case "tcp", "tcp4", "tcp6":
		default:
			return nil
		}
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, ms)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
