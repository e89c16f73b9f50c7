package fallback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultLookupTimeout = 12 * time.Second
)

type cacheEntry struct {
	candidates []Candidate
	expiry     time.Time
}

// Resolver 负责 查询键 -> 候选地址 的解析与缓存。
// 同一个键的并发未命中只会触发一次外部查询。
type Resolver struct {
	source        TXTSource
	ttl           time.Duration
	lookupTimeout time.Duration
	maxEntries    int
	now           func() time.Time

	mu      sync.Mutex
	entries map[string]*cacheEntry
	group   singleflight.Group

	stopOnce    sync.Once
	cleanupStop chan struct{}
}

// Option 配置 Resolver
type Option func(*Resolver)

// WithTTL 设置缓存条目的存活时间
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithLookupTimeout 设置单次外部查询的超时
func WithLookupTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.lookupTimeout = d
		}
	}
}

// WithMaxEntries 限制缓存条目数，0 表示不限制
func WithMaxEntries(n int) Option {
	return func(r *Resolver) { r.maxEntries = n }
}

// WithClock 替换时间源，用于测试
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver 创建一个新的解析器
func NewResolver(source TXTSource, opts ...Option) *Resolver {
	r := &Resolver{
		source:        source,
		ttl:           DefaultTTL,
		lookupTimeout: DefaultLookupTimeout,
		now:           time.Now,
		entries:       make(map[string]*cacheEntry),
		cleanupStop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve 返回 key 对应的候选列表。TTL 内直接返回缓存，过期或缺失时重新查询。
// 查询失败、结果为空或无法解析都返回错误，且不会写入缓存。
func (r *Resolver) Resolve(ctx context.Context, key string) ([]Candidate, error) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return nil, fmt.Errorf("%w: empty lookup key", ErrLookup)
	}
	if cs, ok := r.cached(key); ok {
		return cs, nil
	}

	ch := r.group.DoChan(key, func() (interface{}, error) {
		// 其它等待者可能在我们排队期间已经写入
		if cs, ok := r.cached(key); ok {
			return cs, nil
		}
		return r.lookup(key)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return clone(res.Val.([]Candidate)), nil
	}
}

func (r *Resolver) cached(key string) ([]Candidate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	if !r.now().Before(e.expiry) {
		delete(r.entries, key)
		return nil, false
	}
	return clone(e.candidates), true
}

// lookup 使用独立的超时，避免单个调用方取消影响共享同一查询的其它调用方
func (r *Resolver) lookup(key string) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.lookupTimeout)
	defer cancel()

	records, err := r.source.LookupTXT(ctx, key)
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Resolver: TXT lookup failed.")
		return nil, fmt.Errorf("%w for %s: %w", ErrLookup, key, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no TXT records for %s", ErrNoCandidates, key)
	}

	var all []Candidate
	for _, rec := range records {
		cs, err := ParseRecord(rec)
		if err != nil {
			continue
		}
		all = append(all, cs...)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%w: unparseable TXT records for %s", ErrNoCandidates, key)
	}

	r.store(key, all)
	log.Debug().Str("key", key).Int("candidates", len(all)).Msg("Resolver: cached TXT lookup result.")
	return all, nil
}

func (r *Resolver) store(key string, cs []Candidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = &cacheEntry{candidates: cs, expiry: r.now().Add(r.ttl)}
	if r.maxEntries > 0 && len(r.entries) > r.maxEntries {
		r.evictLocked(len(r.entries) - r.maxEntries)
	}
}

// evictLocked 删除 n 个最早过期的条目，调用方需持有 mu
func (r *Resolver) evictLocked(n int) {
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return r.entries[keys[i]].expiry.Before(r.entries[keys[j]].expiry)
	})
	for _, k := range keys[:n] {
		delete(r.entries, k)
	}
}

// Len 返回当前缓存条目数 (含尚未清理的过期条目)
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep 删除所有过期条目，返回删除数量
func (r *Resolver) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	removed := 0
	for k, e := range r.entries {
		if !now.Before(e.expiry) {
			delete(r.entries, k)
			removed++
		}
	}
	return removed
}

// Start 启动后台清理 goroutine。
func (r *Resolver) Start() {
	go func() {
		ticker := time.NewTicker(r.ttl)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := r.Sweep(); n > 0 {
					log.Debug().Int("removed", n).Msg("Resolver: swept expired entries.")
				}
			case <-r.cleanupStop:
				return
			}
		}
	}()
}

// Stop 停止后台清理 goroutine，可重复调用。
func (r *Resolver) Stop() {
	r.stopOnce.Do(func() { close(r.cleanupStop) })
}

// IsResolverError 报告 err 是否来自解析器
func IsResolverError(err error) bool {
	return errors.Is(err, ErrLookup) || errors.Is(err, ErrNoCandidates)
}

func clone(cs []Candidate) []Candidate {
	out := make([]Candidate, len(cs))
	copy(out, cs)
	return out
}
