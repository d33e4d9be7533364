package feed

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// TLSConfig holds optional client TLS material for the feed endpoint.
type TLSConfig struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// WebsocketTransport subscribes to a realtime endpoint over a websocket.
// Each Subscribe opens a new connection and sends one subscribe message:
//
//	{"action":"subscribe","table":"executions","filter":{"column":"pipeline_id","value":"p1"}}
//
// after which every text frame is one wire Event.
type WebsocketTransport struct {
	URL         string
	Header      http.Header
	ReadTimeout time.Duration // 0 disables read deadlines
	Dialer      *websocket.Dialer
}

// NewWebsocketTransport builds a transport for url. tlsCfg may be nil.
func NewWebsocketTransport(url string, header http.Header, tlsCfg *TLSConfig) (*WebsocketTransport, error) {
	d := *websocket.DefaultDialer
	if tlsCfg != nil {
		tc, err := buildTLS(*tlsCfg)
		if err != nil {
			return nil, err
		}
		d.TLSClientConfig = tc
	}
	return &WebsocketTransport{URL: url, Header: header, Dialer: &d}, nil
}

type subscribeMessage struct {
	Action string `json:"action"`
	Subscription
}

// Subscribe implements Transport. The connection is closed when ctx is done.
func (t *WebsocketTransport) Subscribe(ctx context.Context, sub Subscription) (Stream, error) {
	d := t.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	conn, resp, err := d.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}
	if err := conn.WriteJSON(subscribeMessage{Action: "subscribe", Subscription: sub}); err != nil {
		conn.Close()
		return nil, &TransportError{Op: "subscribe", Err: err}
	}

	s := &wsStream{conn: conn, readTimeout: t.ReadTimeout, closed: make(chan struct{})}
	if t.ReadTimeout > 0 {
		conn.SetPingHandler(func(data string) error {
			conn.SetReadDeadline(time.Now().Add(t.ReadTimeout)) //nolint:errcheck
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.closed:
		}
	}()
	return s, nil
}

type wsStream struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	closed      chan struct{}
	once        sync.Once
}

func (s *wsStream) Recv(ctx context.Context) ([]byte, error) {
	for {
		if s.readTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)) //nolint:errcheck
		}
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &TransportError{Op: "recv", Err: err}
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		s.conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

// buildTLS loads an optional client certificate and CA bundle.
func buildTLS(c TLSConfig) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.CertFile != "" || c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("feed: load client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if c.CAFile != "" {
		caPEM, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("feed: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("feed: no valid certs in ca file %q", c.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
