package server

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgerelay/internal/protocol"
	"edgerelay/internal/shared"
	"edgerelay/internal/shared/config"
	"edgerelay/internal/shared/types"
	"edgerelay/internal/tunnel/dnsrelay"
)

var testSecret = uuid.MustParse("8f2e4c1a-6b3d-4e5f-9a7b-0c1d2e3f4a5b")

func newTestServer(t *testing.T, mutate func(cfg *types.Config)) (*AppServer, string) {
	t.Helper()
	cfg := &types.Config{}
	cfg.ServerConf.Secret = testSecret.String()
	cfg.ServerConf.Listen = "127.0.0.1:0"
	cfg.ServerConf.AllowPathOverride = true
	cfg.TimeoutConf.Direct = 2 * time.Second
	if mutate != nil {
		mutate(cfg)
	}
	config.ApplyDefaults(cfg)
	require.NoError(t, config.Validate(cfg))

	srv, err := New(cfg)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, ln.Addr().String()
}

func startEcho(t *testing.T) (string, uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), uint16(addr.Port)
}

func preamble(t *testing.T, secret [16]byte, cmd protocol.Command, host string, port uint16, payload []byte) []byte {
	t.Helper()
	b, err := protocol.Encode(&protocol.Request{
		Version: 0,
		Secret:  secret,
		Command: cmd,
		Host:    host,
		Port:    port,
		Payload: payload,
	})
	require.NoError(t, err)
	return b
}

func dial(t *testing.T, addr, path string, early []byte) (*shared.MessageConn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if early != nil {
		header.Set("Sec-WebSocket-Protocol", base64.RawURLEncoding.EncodeToString(early))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, resp, err := shared.DialMessageConn(ctx, "ws://"+addr+path, header)
	if err == nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

// readAtLeast 读取消息直到累计 n 字节
func readAtLeast(t *testing.T, conn *shared.MessageConn, n int) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var got []byte
	for len(got) < n {
		msg, err := conn.ReadMessage()
		require.NoError(t, err)
		got = append(got, msg...)
	}
	return got
}

func TestPlainRequestReturnsOK(t *testing.T) {
	_, addr := newTestServer(t, nil)

	resp, err := http.Get("http://" + addr + "/anything")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestHealthz(t *testing.T) {
	_, addr := newTestServer(t, func(cfg *types.Config) { cfg.ServerConf.MaxConnections = 7 })

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health struct {
		Status string `json:"status"`
		Active int64  `json:"active"`
		Max    int64  `json:"max"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, int64(0), health.Active)
	assert.Equal(t, int64(7), health.Max)
}

func TestRelayWithFirstMessagePreamble(t *testing.T) {
	_, addr := newTestServer(t, nil)
	host, port := startEcho(t)

	conn, _, err := dial(t, addr, "/", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(preamble(t, testSecret, protocol.CommandTCP, host, port, []byte("hello"))))

	got := readAtLeast(t, conn, 7)
	assert.Equal(t, append([]byte{0, 0}, "hello"...), got)

	require.NoError(t, conn.WriteMessage([]byte("again")))
	assert.Equal(t, []byte("again"), readAtLeast(t, conn, 5))
}

func TestEarlyDataIsEchoedAndRelayed(t *testing.T) {
	_, addr := newTestServer(t, nil)
	host, port := startEcho(t)

	early := preamble(t, testSecret, protocol.CommandTCP, host, port, []byte("ping"))
	conn, resp, err := dial(t, addr, "/", early)
	require.NoError(t, err)
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(early), resp.Header.Get("Sec-WebSocket-Protocol"))

	assert.Equal(t, append([]byte{0, 0}, "ping"...), readAtLeast(t, conn, 6))
}

func TestEarlyDataRejections(t *testing.T) {
	_, addr := newTestServer(t, func(cfg *types.Config) {
		cfg.AccessConf.DenyPorts = []int{25}
	})
	wrong := uuid.MustParse("00000000-0000-4000-8000-000000000001")

	tests := []struct {
		name   string
		early  []byte
		status int
	}{
		{"wrong secret", preamble(t, wrong, protocol.CommandTCP, "example.com", 443, nil), http.StatusForbidden},
		{"denied port", preamble(t, testSecret, protocol.CommandTCP, "example.com", 25, nil), http.StatusForbidden},
		{"udp to non-dns port", preamble(t, testSecret, protocol.CommandUDP, "1.1.1.1", 123, nil), http.StatusBadRequest},
		{"truncated", []byte{0, 1, 2}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := dial(t, addr, "/", tt.early)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestCapacityRejectsWith503(t *testing.T) {
	srv, addr := newTestServer(t, func(cfg *types.Config) { cfg.ServerConf.MaxConnections = 1 })

	first, _, err := dial(t, addr, "/", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Active() == 1 }, time.Second, 10*time.Millisecond)

	_, resp, err := dial(t, addr, "/", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	first.Close()
	require.Eventually(t, func() bool { return srv.Active() == 0 }, 2*time.Second, 10*time.Millisecond)

	_, _, err = dial(t, addr, "/", nil)
	require.NoError(t, err)
}

func TestBadPreambleClosesSessionAndReleasesSlot(t *testing.T) {
	srv, addr := newTestServer(t, nil)

	conn, _, err := dial(t, addr, "/", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage([]byte{0, 1, 2, 3}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool { return srv.Active() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPathOverrideFallback(t *testing.T) {
	_, addr := newTestServer(t, nil)
	host, port := startEcho(t)

	// 目标端口不可达，由路径中的 p= 回退到 echo 服务
	refused, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := uint16(refused.Addr().(*net.TCPAddr).Port)
	refused.Close()

	path := "/?p=" + net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, _, err := dial(t, addr, path, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(preamble(t, testSecret, protocol.CommandTCP, "127.0.0.1", deadPort, []byte("via fallback"))))

	assert.Equal(t, append([]byte{0, 0}, "via fallback"...), readAtLeast(t, conn, 14))
}

func TestPathMismatchWithoutOverride(t *testing.T) {
	_, addr := newTestServer(t, func(cfg *types.Config) {
		cfg.ServerConf.Path = "/tunnel"
		cfg.ServerConf.AllowPathOverride = false
	})

	_, resp, err := dial(t, addr, "/other", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, _, err = dial(t, addr, "/tunnel", nil)
	require.NoError(t, err)
}

func TestInvalidProxyOverride(t *testing.T) {
	_, addr := newTestServer(t, nil)

	_, resp, err := dial(t, addr, "/?s5=ftp://h:1", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDNSRelayOverDoH(t *testing.T) {
	doh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/dns-message")
		_, _ = w.Write(append([]byte("answer:"), query...))
	}))
	defer doh.Close()

	_, addr := newTestServer(t, func(cfg *types.Config) { cfg.DNSConf.DoHURL = doh.URL })

	query := dnsrelay.AppendFrame(nil, []byte("q1"))
	conn, _, err := dial(t, addr, "/", preamble(t, testSecret, protocol.CommandUDP, "8.8.8.8", 53, query))
	require.NoError(t, err)

	want := append([]byte{0, 0}, dnsrelay.AppendFrame(nil, []byte("answer:q1"))...)
	assert.Equal(t, want, readAtLeast(t, conn, len(want)))

	require.NoError(t, conn.WriteMessage(dnsrelay.AppendFrame(nil, []byte("q2"))))
	want = dnsrelay.AppendFrame(nil, []byte("answer:q2"))
	assert.Equal(t, want, readAtLeast(t, conn, len(want)))
}

func TestProxyProtocolListener(t *testing.T) {
	_, addr := newTestServer(t, func(cfg *types.Config) { cfg.ServerConf.AcceptProxyProtocol = true })

	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer c.Close()
	_, err = io.WriteString(c, "PROXY TCP4 203.0.113.7 127.0.0.1 40000 8080\r\n"+
		"GET /healthz HTTP/1.1\r\nHost: edge\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestShutdownClosesSessions(t *testing.T) {
	srv, addr := newTestServer(t, nil)

	conn, _, err := dial(t, addr, "/", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Active() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.ReadMessage()
	require.Error(t, err)
	assert.Equal(t, int64(0), srv.Active())
}

func TestDecodeBase64URL(t *testing.T) {
	raw := []byte{0xfb, 0xff, 0xfe, 0x01}
	for _, v := range []string{
		base64.RawURLEncoding.EncodeToString(raw),
		base64.URLEncoding.EncodeToString(raw),
		base64.StdEncoding.EncodeToString(raw),
	} {
		got, err := decodeBase64URL(v)
		require.NoError(t, err, v)
		assert.Equal(t, raw, got)
	}
	_, err := decodeBase64URL("not base64!")
	assert.Error(t, err)
}

func TestNoSessionsAfterShutdown(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, int64(0), srv.Active())
	assert.False(t, srv.trackSession())
}
