package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"edgerelay/internal/protocol"
	"edgerelay/internal/shared"
	"edgerelay/internal/tunnel/broker"
	"edgerelay/internal/tunnel/dnsrelay"
	"edgerelay/internal/tunnel/relay"
)

// State 是单个连接的生命周期状态
type State int32

const (
	StateAwaitingHeader State = iota
	StateConnecting
	StateRelaying
	StateDNS
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHeader:
		return "awaiting-header"
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateDNS:
		return "dns"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var errIllegalTransition = errors.New("session: illegal state transition")

// legal 列出允许的状态迁移，任何非 Closed 状态都可以迁移到 Closed
func legal(from, to State) bool {
	switch {
	case from == StateClosed:
		return false
	case to == StateClosed:
		return true
	case from == StateAwaitingHeader:
		return to == StateConnecting || to == StateDNS
	case from == StateConnecting:
		return to == StateRelaying
	default:
		return false
	}
}

type session struct {
	srv      *AppServer
	id       string
	clientIP string
	opts     broker.Options
	conn     *shared.MessageConn

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	closeOnce sync.Once
}

func newSession(srv *AppServer, ws *websocket.Conn, clientIP string, opts broker.Options) *session {
	id := uuid.NewString()
	logger := log.With().Str("trace_id", id).Str("client_ip", clientIP).Logger()
	ctx, cancel := context.WithCancel(logger.WithContext(srv.ctx))
	s := &session{
		srv:      srv,
		id:       id,
		clientIP: clientIP,
		opts:     opts,
		conn:     shared.NewMessageConn(ws, srv.cfg.TimeoutConf.Write),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
	srv.sessions.Store(id, s)
	return s
}

// State 返回当前状态
func (s *session) State() State {
	return State(s.state.Load())
}

// transition 原子地迁移到 to，非法迁移返回错误且不改变状态
func (s *session) transition(to State) error {
	for {
		from := s.State()
		if !legal(from, to) {
			return fmt.Errorf("%w: %s -> %s", errIllegalTransition, from, to)
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			s.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Session: state changed.")
			return nil
		}
	}
}

// run 处理整个连接，返回时连接一定已经关闭
func (s *session) run(early *protocol.Request) {
	defer s.close()
	stop := context.AfterFunc(s.ctx, func() { _ = s.conn.Close() })
	defer stop()

	req := early
	if req == nil {
		var err error
		if req, err = s.readHeader(); err != nil {
			s.logger.Debug().Err(err).Msg("Session: invalid preamble, closing.")
			return
		}
		if err := s.srv.checkDestination(req); err != nil {
			s.logger.Debug().Err(err).Str("target", req.Address()).Msg("Session: destination rejected.")
			return
		}
	}
	s.logger.Info().Str("cmd", req.Command.String()).Str("target", req.Address()).Msg("Session: accepted.")

	if req.IsDNS() {
		s.runDNS(req)
		return
	}
	s.runTCP(req)
}

func (s *session) readHeader() (*protocol.Request, error) {
	if s.State() != StateAwaitingHeader {
		return nil, fmt.Errorf("%w: header already parsed", errIllegalTransition)
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.cfg.TimeoutConf.Handshake))
	msg, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = s.conn.SetReadDeadline(time.Time{})
	return protocol.Decode(msg, s.srv.secret)
}

func (s *session) runTCP(req *protocol.Request) {
	if err := s.transition(StateConnecting); err != nil {
		return
	}
	res, err := s.srv.broker.Connect(s.ctx, req, broker.Plan(req, s.opts))
	if err != nil {
		s.logger.Warn().Err(err).Str("target", req.Address()).Msg("Session: all strategies failed.")
		return
	}
	if err := s.transition(StateRelaying); err != nil {
		_ = res.Conn.Close()
		return
	}
	if len(res.Failures) > 0 {
		s.logger.Info().Str("strategy", res.Strategy.Kind.String()).Int("failed_attempts", len(res.Failures)).Msg("Session: connected after fallback.")
	}

	t := s.srv.cfg.TimeoutConf
	err = relay.Run(s.ctx, relay.Session{
		Inbound:      s.conn,
		Result:       res,
		Header:       protocol.ResponseHeader(req.Version),
		Payload:      req.Payload,
		BufferSize:   s.srv.cfg.ServerConf.BufferSize,
		IdleTimeout:  t.Idle,
		MaxLifetime:  t.MaxLifetime,
		WriteTimeout: t.Write,
		OnClose:      s.close,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug().Err(err).Msg("Session: relay ended with error.")
	}
}

func (s *session) runDNS(req *protocol.Request) {
	if err := s.transition(StateDNS); err != nil {
		return
	}
	t := s.srv.cfg.TimeoutConf
	err := dnsrelay.Run(s.ctx, dnsrelay.Session{
		Inbound:     s.conn,
		Header:      protocol.ResponseHeader(req.Version),
		Payload:     req.Payload,
		Client:      s.srv.dohClient,
		Endpoint:    s.srv.cfg.DNSConf.DoHURL,
		Timeout:     t.DNS,
		IdleTimeout: t.Idle,
		MaxLifetime: t.MaxLifetime,
		OnClose:     s.close,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug().Err(err).Msg("Session: dns relay ended with error.")
	}
}

// close 释放会话占用的全部资源，只执行一次
func (s *session) close() {
	s.closeOnce.Do(func() {
		_ = s.transition(StateClosed)
		s.cancel()
		_ = s.conn.Close()
		s.srv.counter.Release()
		s.srv.sessions.Delete(s.id)
	})
}
