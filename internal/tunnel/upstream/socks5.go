// Package upstream 实现出站方向的 SOCKS5 与 HTTP CONNECT 代理客户端。
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"time"

	"golang.org/x/crypto/cryptobyte"

	"edgerelay/internal/shared/types"
)

const (
	socksVersion   = 0x05
	authVersion    = 0x01
	methodNoAuth   = 0x00
	methodUserPass = 0x02
	methodNone     = 0xFF
	cmdConnect     = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04
)

// ErrAuthRejected 代理拒绝了用户名/密码
var ErrAuthRejected = errors.New("socks5: authentication rejected")

// ErrNoAcceptableMethod 代理不接受我们提供的任何认证方式
var ErrNoAcceptableMethod = errors.New("socks5: no acceptable authentication method")

// ReplyCode 是 SOCKS5 回复中的 REP 字段，非零值作为错误返回。
type ReplyCode byte

func (c ReplyCode) Error() string {
	switch c {
	case 0x01:
		return "socks5: general server failure"
	case 0x02:
		return "socks5: connection not allowed by ruleset"
	case 0x03:
		return "socks5: network unreachable"
	case 0x04:
		return "socks5: host unreachable"
	case 0x05:
		return "socks5: connection refused"
	case 0x06:
		return "socks5: TTL expired"
	case 0x07:
		return "socks5: command not supported"
	case 0x08:
		return "socks5: address type not supported"
	default:
		return "socks5: reply code " + strconv.Itoa(int(c))
	}
}

// DialSOCKS5 通过 SOCKS5 代理建立到 target (host:port) 的隧道。
// 整个握手受 ctx 的截止时间约束，失败时连接一定会被关闭。
func DialSOCKS5(ctx context.Context, d types.Dialer, spec types.ProxySpec, target string) (net.Conn, error) {
	host, port, err := splitTarget(target)
	if err != nil {
		return nil, err
	}
	// 在建连之前构建请求，避免无效目标产生一次无用的连接
	connectReq, err := buildConnectRequest(host, port)
	if err != nil {
		return nil, err
	}

	conn, err := d.DialContext(ctx, "tcp", spec.Address())
	if err != nil {
		return nil, fmt.Errorf("socks5: failed to connect to proxy '%s': %w", spec.Address(), err)
	}

	stop := bindDeadline(ctx, conn)
	err = socksHandshake(conn, spec, connectReq)
	stop()
	if err == nil && ctx.Err() != nil {
		err = errors.New("socks5: handshake interrupted")
	}
	if err != nil {
		conn.Close()
		return nil, withContextErr(ctx, err)
	}
	return conn, nil
}

func socksHandshake(conn net.Conn, spec types.ProxySpec, connectReq []byte) error {
	// 1. 方法协商
	greeting := []byte{socksVersion, 1, methodNoAuth}
	if spec.HasAuth() {
		greeting = []byte{socksVersion, 2, methodNoAuth, methodUserPass}
	}
	if _, err := conn.Write(greeting); err != nil {
		return fmt.Errorf("socks5: failed to send greeting: %w", err)
	}

	var choice [2]byte
	if _, err := io.ReadFull(conn, choice[:]); err != nil {
		return fmt.Errorf("socks5: failed to read method selection: %w", err)
	}
	if choice[0] != socksVersion {
		return fmt.Errorf("socks5: invalid version in method selection: %d", choice[0])
	}

	// 2. 认证 (RFC 1929)
	switch choice[1] {
	case methodNoAuth:
	case methodUserPass:
		if !spec.HasAuth() {
			return ErrNoAcceptableMethod
		}
		if err := socksAuth(conn, spec.User, spec.Pass); err != nil {
			return err
		}
	case methodNone:
		return ErrNoAcceptableMethod
	default:
		return fmt.Errorf("socks5: unexpected method %d", choice[1])
	}

	// 3. CONNECT
	if _, err := conn.Write(connectReq); err != nil {
		return fmt.Errorf("socks5: failed to send connect request: %w", err)
	}

	// 4. 回复: VER REP RSV ATYP BND.ADDR BND.PORT
	var head [4]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return fmt.Errorf("socks5: failed to read reply header: %w", err)
	}
	if head[0] != socksVersion {
		return fmt.Errorf("socks5: invalid reply version: %d", head[0])
	}
	if head[1] != 0x00 {
		return ReplyCode(head[1])
	}

	var addrLen int
	switch head[3] {
	case atypIPv4:
		addrLen = 4
	case atypIPv6:
		addrLen = 16
	case atypDomain:
		var l [1]byte
		if _, err := io.ReadFull(conn, l[:]); err != nil {
			return fmt.Errorf("socks5: failed to read bound domain length: %w", err)
		}
		addrLen = int(l[0])
	default:
		return fmt.Errorf("socks5: unknown address type in reply: %d", head[3])
	}
	if _, err := io.ReadFull(conn, make([]byte, addrLen+2)); err != nil {
		return fmt.Errorf("socks5: failed to read bound address: %w", err)
	}
	return nil
}

func socksAuth(conn net.Conn, user, pass string) error {
	if len(user) > 255 || len(pass) > 255 {
		return errors.New("socks5: username or password too long")
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(authVersion)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(user)) })
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(pass)) })
	msg, err := b.Bytes()
	if err != nil {
		return fmt.Errorf("socks5: build auth request: %w", err)
	}
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("socks5: failed to send auth request: %w", err)
	}

	var resp [2]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return fmt.Errorf("socks5: failed to read auth response: %w", err)
	}
	if resp[0] != authVersion || resp[1] != 0x00 {
		return ErrAuthRejected
	}
	return nil
}

// buildConnectRequest 构建 VER CMD RSV ATYP DST.ADDR DST.PORT
func buildConnectRequest(host string, port uint16) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddBytes([]byte{socksVersion, cmdConnect, 0x00})

	if ip, err := netip.ParseAddr(host); err == nil {
		ip = ip.Unmap()
		if ip.Is4() {
			a := ip.As4()
			b.AddUint8(atypIPv4)
			b.AddBytes(a[:])
		} else {
			a := ip.As16()
			b.AddUint8(atypIPv6)
			b.AddBytes(a[:])
		}
	} else {
		if len(host) == 0 || len(host) > 255 {
			return nil, fmt.Errorf("socks5: invalid hostname length %d", len(host))
		}
		b.AddUint8(atypDomain)
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(host)) })
	}
	b.AddUint16(port)
	return b.Bytes()
}

func splitTarget(target string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return "", 0, fmt.Errorf("upstream: invalid target address '%s': %w", target, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("upstream: invalid target port '%s': %w", portStr, err)
	}
	return host, uint16(port), nil
}

// bindDeadline 将 ctx 的截止时间和取消信号作用到 conn 上，返回的函数用于解除绑定。
func bindDeadline(ctx context.Context, conn net.Conn) func() {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}

// withContextErr 在握手因 ctx 超时或取消而失败时附加 ctx 的错误。
// 连接的截止时间可能略早于 ctx 的计时器触发，所以也检查截止时间本身。
func withContextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (%w)", err, ctxErr)
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return fmt.Errorf("%w (%w)", err, context.DeadlineExceeded)
	}
	return err
}
