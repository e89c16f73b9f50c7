// Package fallback 将查询键解析为回退候选地址，并带 TTL 缓存。
package fallback

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
)

// DefaultPort 是记录条目省略端口时使用的端口
const DefaultPort = 443

var (
	// ErrNoCandidates 记录中没有任何可用条目
	ErrNoCandidates = errors.New("fallback: no usable candidates")
	// ErrLookup TXT 查询失败
	ErrLookup = errors.New("fallback: txt lookup failed")
)

// Candidate 是一个回退目标
type Candidate struct {
	Host string
	Port uint16
}

// Address 返回 host:port
func (c Candidate) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

var recordSeparators = strings.NewReplacer("\\010", ",", "\r\n", ",", "\n", ",", "\r", ",")

// ParseRecord 解析 TXT 记录文本，条目以逗号或换行分隔，形如 host[:port] 或 [v6]:port。
func ParseRecord(txt string) ([]Candidate, error) {
	txt = strings.TrimSpace(txt)
	txt = strings.Trim(txt, "\"")
	txt = recordSeparators.Replace(txt)

	var out []Candidate
	for _, entry := range strings.Split(txt, ",") {
		entry = strings.Trim(strings.TrimSpace(entry), "\"")
		if entry == "" {
			continue
		}
		c, err := parseEntry(entry)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w in %q", ErrNoCandidates, txt)
	}
	return out, nil
}

func parseEntry(entry string) (Candidate, error) {
	if strings.HasPrefix(entry, "[") {
		end := strings.Index(entry, "]")
		if end <= 1 {
			return Candidate{}, fmt.Errorf("unterminated IPv6 literal %q", entry)
		}
		host, rest := entry[1:end], entry[end+1:]
		if rest == "" {
			return Candidate{Host: host, Port: DefaultPort}, nil
		}
		if !strings.HasPrefix(rest, ":") {
			return Candidate{}, fmt.Errorf("unexpected %q after IPv6 literal", rest)
		}
		port, err := parsePort(rest[1:])
		if err != nil {
			return Candidate{}, err
		}
		return Candidate{Host: host, Port: port}, nil
	}

	first, last := strings.Index(entry, ":"), strings.LastIndex(entry, ":")
	switch {
	case last == -1:
		return Candidate{Host: entry, Port: DefaultPort}, nil
	case first != last:
		// 未加括号的 IPv6
		return Candidate{Host: entry, Port: DefaultPort}, nil
	case last == 0:
		return Candidate{}, fmt.Errorf("missing host in %q", entry)
	}
	port, err := parsePort(entry[last+1:])
	if err != nil {
		return Candidate{}, err
	}
	return Candidate{Host: entry[:last], Port: port}, nil
}

func parsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil || p == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(p), nil
}

// Pick 均匀随机选择一个候选。调用方保证 cs 非空。
func Pick(cs []Candidate) Candidate {
	return cs[rand.IntN(len(cs))]
}
