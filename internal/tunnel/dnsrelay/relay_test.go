package dnsrelay

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
)

type fakeInbound struct {
	in      chan []byte
	written chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newInbound() *fakeInbound {
	return &fakeInbound{in: make(chan []byte, 16), written: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeInbound) ReadMessage() ([]byte, error) {
	select {
	case m := <-f.in:
		return m, nil
	case <-f.closed:
		return nil, net.ErrClosed
	}
}

func (f *fakeInbound) WriteMessage(b []byte) error {
	f.written <- append([]byte(nil), b...)
	return nil
}

func (f *fakeInbound) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeInbound) next(t *testing.T) []byte {
	t.Helper()
	select {
	case m := <-f.written:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
		return nil
	}
}

func query(t *testing.T, id uint16, name string) []byte {
	t.Helper()
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{ID: id, RecursionDesired: true})
	require.NoError(t, b.StartQuestions())
	require.NoError(t, b.Question(dnsmessage.Question{
		Name:  dnsmessage.MustNewName(name),
		Type:  dnsmessage.TypeA,
		Class: dnsmessage.ClassINET,
	}))
	msg, err := b.Finish()
	require.NoError(t, err)
	return msg
}

// dohServer 回显查询，并把 QR 位置 1
func dohServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/dns-message" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if len(body) > 2 {
			body[2] |= 0x80
		}
		w.Header().Set("Content-Type", "application/dns-message")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func unframe(t *testing.T, b []byte) []byte {
	t.Helper()
	require.GreaterOrEqual(t, len(b), 2)
	l := int(binary.BigEndian.Uint16(b))
	require.Len(t, b[2:], l)
	return b[2:]
}

func TestRelayHeaderOnFirstFrameOnly(t *testing.T) {
	var hits atomic.Int32
	srv := dohServer(t, &hits)
	in := newInbound()

	q1 := query(t, 1, "example.com.")
	q2 := query(t, 2, "example.org.")
	stream := append(AppendFrame(nil, q1), AppendFrame(nil, q2)...)

	var closes atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), Session{
			Inbound:  in,
			Header:   []byte{0, 0},
			Payload:  stream[:5],
			Client:   srv.Client(),
			Endpoint: srv.URL,
			Timeout:  time.Second,
			OnClose:  func() { closes.Add(1) },
		})
	}()
	in.in <- stream[5:]

	first := in.next(t)
	require.Equal(t, []byte{0, 0}, first[:2])
	r1 := unframe(t, first[2:])
	assert.Equal(t, uint16(1), binary.BigEndian.Uint16(r1))
	assert.NotZero(t, r1[2]&0x80)

	second := in.next(t)
	r2 := unframe(t, second)
	assert.Equal(t, uint16(2), binary.BigEndian.Uint16(r2))

	in.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, int32(1), closes.Load())
}

func TestRelayDoHFailureIsNotFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	in := newInbound()
	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), Session{Inbound: in, Header: []byte{3, 0}, Client: srv.Client(), Endpoint: srv.URL})
	}()
	in.in <- AppendFrame(nil, query(t, 7, "a.example."))
	in.in <- AppendFrame(nil, query(t, 8, "b.example."))

	reply := in.next(t)
	require.Equal(t, []byte{3, 0}, reply[:2])
	assert.Equal(t, uint16(8), binary.BigEndian.Uint16(unframe(t, reply[2:])))

	in.Close()
	<-done
}

func TestRelayIdleTimeout(t *testing.T) {
	var hits atomic.Int32
	srv := dohServer(t, &hits)
	in := newInbound()
	err := Run(context.Background(), Session{
		Inbound:     in,
		Client:      srv.Client(),
		Endpoint:    srv.URL,
		IdleTimeout: 50 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrIdleTimeout)
}

func TestExchangeRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, err := Exchange(context.Background(), srv.Client(), srv.URL, []byte{0, 1})
	require.Error(t, err)
}
