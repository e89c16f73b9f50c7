// Package server 是 WebSocket 入口：准入控制、握手、会话生命周期。
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	proxyproto "github.com/pires/go-proxyproto"
	"github.com/rs/zerolog/log"

	"edgerelay/internal/core/access"
	"edgerelay/internal/core/admission"
	"edgerelay/internal/shared/config"
	"edgerelay/internal/shared/types"
	"edgerelay/internal/tunnel/broker"
	"edgerelay/internal/tunnel/fallback"
)

// AppServer 持有所有连接共享的状态
type AppServer struct {
	cfg    *types.Config
	secret [16]byte
	base   broker.Options

	broker    *broker.Broker
	resolver  *fallback.Resolver
	dohClient *http.Client
	counter   *admission.Counter
	limiter   *admission.ClientLimiter
	upgrader  websocket.Upgrader

	httpServer *http.Server

	ctx       context.Context
	cancel    context.CancelFunc
	sessions  sync.Map // trace id (string) -> *session
	waitGroup sync.WaitGroup

	// closing 置位后不再登记新会话，由 mu 保护，保证 waitGroup.Add 不与 Wait 并发
	mu      sync.Mutex
	closing bool
}

// New 根据配置创建 AppServer，配置应已经过 config.Validate
func New(cfg *types.Config) (*AppServer, error) {
	secret, err := config.ParseSecret(cfg.ServerConf.Secret)
	if err != nil {
		return nil, err
	}
	proxy, err := config.ParseProxySpec(cfg.TunnelConf.Proxy)
	if err != nil {
		return nil, err
	}
	nat64, err := config.ParseNAT64Prefix(cfg.TunnelConf.NAT64Prefix)
	if err != nil {
		return nil, err
	}
	acl, err := access.New(cfg.AccessConf)
	if err != nil {
		return nil, err
	}

	dohClient := fallback.NewHTTPClient(cfg.DNSConf, cfg.TimeoutConf.DNS)
	resolver := fallback.NewResolver(
		fallback.NewSource(cfg.DNSConf.TXTMode, dohClient, cfg.DNSConf.DoHURL),
		fallback.WithTTL(cfg.DNSConf.TXTTTL),
		fallback.WithLookupTimeout(cfg.TimeoutConf.DNS),
		fallback.WithMaxEntries(cfg.DNSConf.MaxEntries),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &AppServer{
		cfg:    cfg,
		secret: secret,
		base: broker.Options{
			Proxy:       proxy,
			GlobalProxy: cfg.TunnelConf.GlobalProxy,
			Fallback:    config.ParseFallbackSpec(cfg.TunnelConf.Fallback),
			NAT64Prefix: nat64,
		},
		broker: broker.New(broker.Config{
			Resolver: resolver,
			ACL:      acl,
			Timeouts: cfg.TimeoutConf,
		}),
		resolver:  resolver,
		dohClient: dohClient,
		counter:   admission.NewCounter(cfg.ServerConf.MaxConnections),
		limiter:   admission.NewClientLimiter(cfg.ServerConf.ClientRate, cfg.ServerConf.ClientBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: cfg.TimeoutConf.Handshake,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: cfg.TimeoutConf.Handshake,
	}
	return s, nil
}

// ListenAndServe 监听配置的地址并阻塞处理请求
func (s *AppServer) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.ServerConf.Listen)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.ServerConf.Listen, err)
	}
	log.Info().Str("addr", ln.Addr().String()).Str("path", s.cfg.ServerConf.Path).Msg(">>> SUCCESS: tunnel endpoint listening")
	logLocalIPs(ln.Addr())
	return s.Serve(ln)
}

// Serve 在 ln 上处理请求，直到 Shutdown
func (s *AppServer) Serve(ln net.Listener) error {
	if s.cfg.ServerConf.AcceptProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: s.cfg.TimeoutConf.Handshake}
	}
	s.resolver.Start()
	s.limiter.Start()
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown 停止接受新连接，关闭所有活动会话并等待它们退出
func (s *AppServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	err := s.httpServer.Shutdown(ctx)
	s.cancel()
	s.resolver.Stop()
	s.limiter.Stop()

	done := make(chan struct{})
	go func() {
		s.waitGroup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.sessions.Range(func(_, v any) bool {
			v.(*session).close()
			return true
		})
		return ctx.Err()
	}
	log.Info().Msg("Server: all sessions closed.")
	return err
}

// trackSession 为即将建立的会话登记 waitGroup，服务器关闭后返回 false
func (s *AppServer) trackSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.waitGroup.Add(1)
	return true
}

// Active 返回活动会话数
func (s *AppServer) Active() int64 {
	return s.counter.Active()
}

// logLocalIPs 在监听 0.0.0.0 时打印可用的本机 IPv4 地址
func logLocalIPs(addr net.Addr) {
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil || !ap.Addr().IsUnspecified() {
		return
	}
	interfaces, err := net.Interfaces()
	if err != nil {
		log.Debug().Err(err).Msg("Could not get network interfaces")
		return
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			log.Info().Str("iface", iface.Name).Str("addr", net.JoinHostPort(ipNet.IP.String(), fmt.Sprint(ap.Port()))).Msg("  -> reachable at")
		}
	}
}

func retryAfter(w http.ResponseWriter, d time.Duration) {
	w.Header().Set("Retry-After", fmt.Sprint(int(d.Seconds())))
	http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
}
