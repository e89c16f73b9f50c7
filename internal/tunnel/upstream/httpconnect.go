package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"edgerelay/internal/shared/types"
)

// MaxConnectResponse 是 CONNECT 响应头允许的最大字节数
const MaxConnectResponse = 8 * 1024

// ErrResponseTooLarge 代理的响应头超过 MaxConnectResponse 仍未结束
var ErrResponseTooLarge = errors.New("http connect: response header too large")

// StatusError 代理返回了非 200 的状态行
type StatusError struct {
	StatusLine string
}

func (e *StatusError) Error() string {
	return "http connect: proxy refused tunnel: " + e.StatusLine
}

// DialHTTPConnect 通过 HTTP CONNECT 代理建立到 target 的隧道。
// 终止符之后已读到的字节会在返回连接的首次 Read 中交付。
func DialHTTPConnect(ctx context.Context, d types.Dialer, spec types.ProxySpec, target string) (net.Conn, error) {
	if _, _, err := splitTarget(target); err != nil {
		return nil, err
	}

	conn, err := d.DialContext(ctx, "tcp", spec.Address())
	if err != nil {
		return nil, fmt.Errorf("http connect: failed to connect to proxy '%s': %w", spec.Address(), err)
	}

	stop := bindDeadline(ctx, conn)
	leftover, err := connectHandshake(conn, spec, target)
	stop()
	if err == nil && ctx.Err() != nil {
		err = errors.New("http connect: handshake interrupted")
	}
	if err != nil {
		conn.Close()
		return nil, withContextErr(ctx, err)
	}
	if len(leftover) == 0 {
		return conn, nil
	}
	return &prefixedConn{Conn: conn, prefix: leftover}, nil
}

func connectHandshake(conn net.Conn, spec types.ProxySpec, target string) ([]byte, error) {
	var req strings.Builder
	req.WriteString("CONNECT " + target + " HTTP/1.1\r\n")
	req.WriteString("Host: " + target + "\r\n")
	if spec.HasAuth() {
		cred := base64.StdEncoding.EncodeToString([]byte(spec.User + ":" + spec.Pass))
		req.WriteString("Proxy-Authorization: Basic " + cred + "\r\n")
	}
	req.WriteString("Proxy-Connection: Keep-Alive\r\n\r\n")
	if _, err := conn.Write([]byte(req.String())); err != nil {
		return nil, fmt.Errorf("http connect: failed to send request: %w", err)
	}

	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 1024)
	terminator := []byte("\r\n\r\n")
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			scanFrom := max(0, len(buf)-3)
			buf = append(buf, chunk[:n]...)
			if idx := bytes.Index(buf[scanFrom:], terminator); idx != -1 {
				end := scanFrom + idx + len(terminator)
				if end > MaxConnectResponse {
					return nil, ErrResponseTooLarge
				}
				if err := checkStatusLine(buf[:end]); err != nil {
					return nil, err
				}
				return bytes.Clone(buf[end:]), nil
			}
			if len(buf) > MaxConnectResponse {
				return nil, ErrResponseTooLarge
			}
		}
		if err != nil {
			return nil, fmt.Errorf("http connect: failed to read response: %w", err)
		}
	}
}

// checkStatusLine 接受 HTTP/1.0 200 与 HTTP/1.1 200
func checkStatusLine(head []byte) error {
	line, _, _ := bytes.Cut(head, []byte("\r\n"))
	fields := strings.Fields(string(line))
	if len(fields) < 2 {
		return &StatusError{StatusLine: string(line)}
	}
	if fields[0] != "HTTP/1.1" && fields[0] != "HTTP/1.0" {
		return &StatusError{StatusLine: string(line)}
	}
	if code, err := strconv.Atoi(fields[1]); err != nil || code != 200 {
		return &StatusError{StatusLine: string(line)}
	}
	return nil
}

// prefixedConn 先返回握手阶段多读到的字节，再读底层连接
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixedConn) Read(b []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(b, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}

// CloseWrite 透传半关闭能力
func (c *prefixedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}
