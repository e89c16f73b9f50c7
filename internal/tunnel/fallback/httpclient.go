package fallback

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	utls "github.com/refraction-networking/utls"

	"edgerelay/internal/shared/types"
)

// NewHTTPClient 构建 DoH 共享的 HTTP 客户端。
// cfg.Fingerprint 开启时，TLS 握手使用 utls 的随机浏览器指纹。
func NewHTTPClient(cfg types.DNSConf, timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:               nil,
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: timeout,
	}
	if cfg.Fingerprint {
		transport.ForceAttemptHTTP2 = false
		transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialUTLS(ctx, dialer, network, addr)
		}
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

func dialUTLS(ctx context.Context, dialer *net.Dialer, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	raw, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	config := &utls.Config{
		ServerName: host,
		MinVersion: utls.VersionTLS12,
		MaxVersion: utls.VersionTLS13,
	}
	// NoALPN 保证协商结果为 HTTP/1.1，与 http.Transport 的自定义 TLS 拨号一致
	uconn := utls.UClient(raw, config, utls.HelloRandomizedNoALPN)
	if err := uconn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("doh: utls handshake with %s failed: %w", addr, err)
	}
	return uconn, nil
}
