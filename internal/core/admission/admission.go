// Package admission 负责入站连接的准入控制：全局并发上限和按客户端的速率限制。
package admission

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Counter 是有上限的活动连接计数器
type Counter struct {
	max    int64
	active atomic.Int64
}

// NewCounter 创建上限为 max 的计数器，max <= 0 表示不限制
func NewCounter(max int) *Counter {
	return &Counter{max: int64(max)}
}

// TryAcquire 占用一个名额，已满时返回 false。成功时必须调用 Release。
func (c *Counter) TryAcquire() bool {
	for {
		cur := c.active.Load()
		if c.max > 0 && cur >= c.max {
			return false
		}
		if c.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release 释放一个名额
func (c *Counter) Release() {
	if c.active.Add(-1) < 0 {
		// 不应发生，调用方 Release 次数多于 TryAcquire
		c.active.Store(0)
		log.Error().Msg("Admission: counter released below zero.")
	}
}

// Active 返回当前活动连接数
func (c *Counter) Active() int64 { return c.active.Load() }

// Max 返回上限
func (c *Counter) Max() int64 { return c.max }

type clientState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter 按客户端 IP 限制新连接速率
type ClientLimiter struct {
	limit      rate.Limit
	burst      int
	expiration time.Duration

	mu      sync.Mutex
	clients map[string]*clientState

	stopOnce    sync.Once
	cleanupStop chan struct{}
}

// NewClientLimiter perSecond <= 0 时返回 nil，nil 的 ClientLimiter 总是放行
func NewClientLimiter(perSecond float64, burst int) *ClientLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &ClientLimiter{
		limit:       rate.Limit(perSecond),
		burst:       burst,
		expiration:  5 * time.Minute,
		clients:     make(map[string]*clientState),
		cleanupStop: make(chan struct{}),
	}
}

// Allow 报告该客户端此刻是否可以建立新连接
func (l *ClientLimiter) Allow(clientIP string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.clients[clientIP]
	if !ok {
		state = &clientState{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[clientIP] = state
	}
	state.lastSeen = time.Now()
	return state.limiter.Allow()
}

// Start 启动清理空闲客户端的后台 goroutine
func (l *ClientLimiter) Start() {
	if l == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.cleanup(time.Now())
			case <-l.cleanupStop:
				return
			}
		}
	}()
}

// Stop 停止后台清理
func (l *ClientLimiter) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.cleanupStop) })
}

func (l *ClientLimiter) cleanup(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, state := range l.clients {
		if now.Sub(state.lastSeen) > l.expiration {
			delete(l.clients, ip)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("Admission: cleaned up idle client limiters.")
	}
	return removed
}
