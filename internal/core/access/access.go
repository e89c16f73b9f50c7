// Package access 实现目标地址的黑白名单。
package access

import (
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strings"

	"github.com/yl2chen/cidranger"

	"edgerelay/internal/protocol"
	"edgerelay/internal/shared/types"
)

// ErrDenied 目标被访问控制拒绝，属于协议错误
var ErrDenied = fmt.Errorf("%w: destination denied", protocol.ErrProtocol)

// hostList 是一组域名规则与 IP/CIDR 规则
type hostList struct {
	matchers []func(string) bool
	ranger   cidranger.Ranger
	size     int
}

func newHostList(rules []string) (*hostList, error) {
	l := &hostList{ranger: cidranger.NewPCTrieRanger()}
	for _, rule := range rules {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			continue
		}
		l.size++

		if strings.Contains(rule, "/") {
			_, network, err := net.ParseCIDR(rule)
			if err != nil {
				return nil, fmt.Errorf("access: invalid CIDR %q: %w", rule, err)
			}
			_ = l.ranger.Insert(cidranger.NewBasicRangerEntry(*network))
			continue
		}
		if ip, err := netip.ParseAddr(strings.Trim(rule, "[]")); err == nil {
			prefix := netip.PrefixFrom(ip.Unmap(), ip.Unmap().BitLen())
			_, network, _ := net.ParseCIDR(prefix.String())
			_ = l.ranger.Insert(cidranger.NewBasicRangerEntry(*network))
			continue
		}
		if strings.Contains(rule, "*") {
			pattern := strings.ReplaceAll(regexp.QuoteMeta(rule), `\*`, ".*")
			re, err := regexp.Compile("(?i)^" + pattern + "$")
			if err != nil {
				return nil, fmt.Errorf("access: invalid pattern %q: %w", rule, err)
			}
			l.matchers = append(l.matchers, re.MatchString)
			continue
		}
		lowerRule := strings.ToLower(strings.TrimSuffix(rule, "."))
		l.matchers = append(l.matchers, func(host string) bool {
			return host == lowerRule
		})
	}
	return l, nil
}

func (l *hostList) empty() bool { return l.size == 0 }

func (l *hostList) match(host string) bool {
	if ip, err := netip.ParseAddr(host); err == nil {
		ok, err := l.ranger.Contains(net.IP(ip.Unmap().AsSlice()))
		return err == nil && ok
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, m := range l.matchers {
		if m(host) {
			return true
		}
	}
	return false
}

// ACL 在任何出站拨号之前检查目标。拒绝列表优先于允许列表。
type ACL struct {
	allow      *hostList
	deny       *hostList
	allowPorts map[int]struct{}
	denyPorts  map[int]struct{}
}

// New 根据配置构建 ACL
func New(cfg types.AccessConf) (*ACL, error) {
	allow, err := newHostList(cfg.AllowHosts)
	if err != nil {
		return nil, err
	}
	deny, err := newHostList(cfg.DenyHosts)
	if err != nil {
		return nil, err
	}
	a := &ACL{
		allow:      allow,
		deny:       deny,
		allowPorts: make(map[int]struct{}, len(cfg.AllowPorts)),
		denyPorts:  make(map[int]struct{}, len(cfg.DenyPorts)),
	}
	for _, p := range cfg.AllowPorts {
		a.allowPorts[p] = struct{}{}
	}
	for _, p := range cfg.DenyPorts {
		a.denyPorts[p] = struct{}{}
	}
	return a, nil
}

// Check 返回 nil 表示允许，否则返回包装了 ErrDenied 的错误
func (a *ACL) Check(host string, port uint16) error {
	if a == nil {
		return nil
	}
	if _, ok := a.denyPorts[int(port)]; ok {
		return fmt.Errorf("%w: port %d is denied", ErrDenied, port)
	}
	if len(a.allowPorts) > 0 {
		if _, ok := a.allowPorts[int(port)]; !ok {
			return fmt.Errorf("%w: port %d is not allowed", ErrDenied, port)
		}
	}
	if a.deny.match(host) {
		return fmt.Errorf("%w: host %s is denied", ErrDenied, host)
	}
	if !a.allow.empty() && !a.allow.match(host) {
		return fmt.Errorf("%w: host %s is not allowed", ErrDenied, host)
	}
	return nil
}
