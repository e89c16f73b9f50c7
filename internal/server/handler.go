package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"edgerelay/internal/core/access"
	"edgerelay/internal/protocol"
	"edgerelay/internal/shared/config"
	"edgerelay/internal/tunnel/broker"
)

const (
	healthPath             = "/healthz"
	earlyDataHeader        = "Sec-WebSocket-Protocol"
	upgraderProtocolHeader = "Sec-Websocket-Protocol"
)

// 路径/查询中的逐连接覆盖参数，例如 /?p=host:443&s5=socks5://u:p@h:1080&gs5=1
var (
	reFallback    = regexp.MustCompile(`(?:^|[/?&])p=([^&]*)`)
	reProxy       = regexp.MustCompile(`(?:^|[/?&])s5=([^&]*)`)
	reGlobalProxy = regexp.MustCompile(`(?:^|[/?&])gs5=([^&]*)`)
)

var errBadEarlyData = errors.New("server: malformed early data")

func (s *AppServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == healthPath {
		s.serveHealth(w)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("OK"))
		return
	}
	if !s.cfg.ServerConf.AllowPathOverride && r.URL.Path != s.cfg.ServerConf.Path {
		http.NotFound(w, r)
		return
	}

	clientIP := clientIP(r)
	opts, err := s.connectionOptions(r)
	if err != nil {
		log.Debug().Err(err).Str("client_ip", clientIP).Msg("Server: invalid path override.")
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !s.limiter.Allow(clientIP) {
		log.Debug().Str("client_ip", clientIP).Msg("Server: client rate limited.")
		retryAfter(w, time.Second)
		return
	}
	if !s.counter.TryAcquire() {
		log.Warn().Int64("max", s.counter.Max()).Msg("Server: at capacity, rejecting connection.")
		retryAfter(w, time.Second)
		return
	}
	// 升级成功后名额由会话负责释放
	early, protocolValue, err := s.decodeEarlyData(r)
	if err != nil {
		s.counter.Release()
		status := http.StatusBadRequest
		if errors.Is(err, protocol.ErrSecretMismatch) || errors.Is(err, access.ErrDenied) {
			status = http.StatusForbidden
		}
		log.Debug().Err(err).Str("client_ip", clientIP).Int("status", status).Msg("Server: rejected early data.")
		http.Error(w, http.StatusText(status), status)
		return
	}

	if !s.trackSession() {
		s.counter.Release()
		retryAfter(w, time.Second)
		return
	}

	var responseHeader http.Header
	if protocolValue != "" {
		responseHeader = http.Header{upgraderProtocolHeader: []string{protocolValue}}
	}
	ws, err := s.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		// Upgrade 已经写出了错误响应
		s.waitGroup.Done()
		s.counter.Release()
		log.Debug().Err(err).Str("client_ip", clientIP).Msg("Server: websocket upgrade failed.")
		return
	}

	sess := newSession(s, ws, clientIP, opts)
	go func() {
		defer s.waitGroup.Done()
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("client_ip", clientIP).Msg("!!! Panic recovered in session handler")
				sess.close()
			}
		}()
		sess.run(early)
	}()
}

// decodeEarlyData 解析握手头中携带的前导头。没有早期数据时返回 nil。
func (s *AppServer) decodeEarlyData(r *http.Request) (*protocol.Request, string, error) {
	value := strings.TrimSpace(r.Header.Get(earlyDataHeader))
	if value == "" {
		return nil, "", nil
	}
	raw, err := decodeBase64URL(value)
	if err != nil {
		return nil, "", errBadEarlyData
	}
	if len(raw) == 0 {
		return nil, value, nil
	}
	req, err := protocol.Decode(raw, s.secret)
	if err != nil {
		return nil, "", err
	}
	if err := s.checkDestination(req); err != nil {
		return nil, "", err
	}
	return req, value, nil
}

// checkDestination 在拨号之前拒绝不支持或被禁止的目标
func (s *AppServer) checkDestination(req *protocol.Request) error {
	if req.Command == protocol.CommandUDP && !req.IsDNS() {
		return protocol.ErrBadCommand
	}
	if req.IsDNS() {
		return nil
	}
	return s.broker.CheckAccess(req)
}

// connectionOptions 合并配置与请求路径中的覆盖参数
func (s *AppServer) connectionOptions(r *http.Request) (broker.Options, error) {
	opts := s.base
	if !s.cfg.ServerConf.AllowPathOverride {
		return opts, nil
	}
	target := r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	if v, ok := overrideValue(reFallback, target); ok {
		opts.Fallback = config.ParseFallbackSpec(v)
	}
	if v, ok := overrideValue(reProxy, target); ok {
		spec, err := config.ParseProxySpec(v)
		if err != nil {
			return opts, err
		}
		opts.Proxy = spec
	}
	if v, ok := overrideValue(reGlobalProxy, target); ok {
		opts.GlobalProxy = v == "1" || strings.EqualFold(v, "true")
	}
	return opts, nil
}

func overrideValue(re *regexp.Regexp, target string) (string, bool) {
	m := re.FindStringSubmatch(target)
	if m == nil {
		return "", false
	}
	v, err := url.PathUnescape(m[1])
	if err != nil {
		v = m[1]
	}
	return v, true
}

func (s *AppServer) serveHealth(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status string `json:"status"`
		Active int64  `json:"active"`
		Max    int64  `json:"max"`
	}{"ok", s.counter.Active(), s.counter.Max()})
}

// decodeBase64URL 接受 base64url 或标准字母表，填充可选
func decodeBase64URL(v string) ([]byte, error) {
	v = strings.NewReplacer("+", "-", "/", "_").Replace(v)
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(v, "="))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
