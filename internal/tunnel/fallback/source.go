package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/miekg/dns"
)

const (
	dnsTypeTXT    = 16
	maxDoHMessage = 65535
)

// TXTSource 查询一个名称的全部 TXT 记录文本
type TXTSource interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// JSONSource 使用 DoH JSON API (GET ?name=&type=TXT, application/dns-json)
type JSONSource struct {
	Client   *http.Client
	Endpoint string
}

type dohJSONResponse struct {
	Status int `json:"Status"`
	Answer []struct {
		Name string `json:"name"`
		Type int    `json:"type"`
		Data string `json:"data"`
	} `json:"Answer"`
}

func (s *JSONSource) LookupTXT(ctx context.Context, name string) ([]string, error) {
	u, err := url.Parse(s.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("doh json: invalid endpoint %q: %w", s.Endpoint, err)
	}
	q := u.Query()
	q.Set("name", name)
	q.Set("type", "TXT")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh json: status %d", resp.StatusCode)
	}

	var body dohJSONResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDoHMessage)).Decode(&body); err != nil {
		return nil, fmt.Errorf("doh json: decode: %w", err)
	}
	var out []string
	for _, a := range body.Answer {
		if a.Type == dnsTypeTXT {
			out = append(out, a.Data)
		}
	}
	return out, nil
}

// WireSource 使用 RFC 8484 线格式 (POST application/dns-message)
type WireSource struct {
	Client   *http.Client
	Endpoint string
}

func (s *WireSource) LookupTXT(ctx context.Context, name string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	m.RecursionDesired = true
	// RFC 8484 建议 DoH 查询 ID 置 0 以利于缓存
	m.Id = 0
	packed, err := m.Pack()
	if err != nil {
		return nil, fmt.Errorf("doh wire: pack: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh wire: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDoHMessage))
	if err != nil {
		return nil, err
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(raw); err != nil {
		return nil, fmt.Errorf("doh wire: unpack: %w", err)
	}
	if reply.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("doh wire: rcode %s", dns.RcodeToString[reply.Rcode])
	}
	var out []string
	for _, rr := range reply.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}

// NewSource 按模式 (json | wire) 构建 TXTSource
func NewSource(mode string, client *http.Client, endpoint string) TXTSource {
	if strings.EqualFold(mode, "wire") {
		return &WireSource{Client: client, Endpoint: endpoint}
	}
	return &JSONSource{Client: client, Endpoint: endpoint}
}
