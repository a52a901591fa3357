// Package delivery sends one payload to one agent endpoint. There is a
// single attempt per call; callers decide what a failure means.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/joelkehle/agentflow/internal/message"
)

var ErrUnsupportedEndpoint = errors.New("unsupported endpoint")

// Envelope is the wire format written to agents: {"data": ..., "tag_id": n}.
type Envelope struct {
	Data  message.Payload `json:"data"`
	TagID int64           `json:"tag_id"`
}

func (e Envelope) Marshal() ([]byte, error) {
	data := e.Data
	if data == nil {
		data = message.Payload{}
	}
	return json.Marshal(Envelope{Data: data, TagID: e.TagID})
}

type Sender interface {
	Send(ctx context.Context, endpoint string, env Envelope, agentID int64) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, endpoint string, env Envelope, agentID int64) error

func (f SenderFunc) Send(ctx context.Context, endpoint string, env Envelope, agentID int64) error {
	return f(ctx, endpoint, env, agentID)
}

// Endpoint is a parsed agent address.
type Endpoint struct {
	Scheme string
	Host   string
	URL    string
}

// ParseEndpoint accepts "tcp://host:port", "host:port", a bare port
// (meaning localhost), and http(s) URLs.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("%w: empty address", ErrUnsupportedEndpoint)
	}
	if port, err := strconv.Atoi(raw); err == nil {
		if port <= 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("%w: port %d out of range", ErrUnsupportedEndpoint, port)
		}
		return Endpoint{Scheme: "tcp", Host: net.JoinHostPort("localhost", raw)}, nil
	}
	if !strings.Contains(raw, "://") {
		if _, _, err := net.SplitHostPort(raw); err != nil {
			return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrUnsupportedEndpoint, raw, err)
		}
		return Endpoint{Scheme: "tcp", Host: raw}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q: %v", ErrUnsupportedEndpoint, raw, err)
	}
	switch u.Scheme {
	case "tcp":
		if u.Port() == "" {
			return Endpoint{}, fmt.Errorf("%w: %q has no port", ErrUnsupportedEndpoint, raw)
		}
		return Endpoint{Scheme: "tcp", Host: u.Host}, nil
	case "http", "https":
		return Endpoint{Scheme: u.Scheme, Host: u.Host, URL: raw}, nil
	default:
		return Endpoint{}, fmt.Errorf("%w: scheme %q", ErrUnsupportedEndpoint, u.Scheme)
	}
}

// SchemeSender routes each send to the sender registered for the
// endpoint's scheme.
type SchemeSender struct {
	TCP  Sender
	HTTP Sender
}

func (s *SchemeSender) Send(ctx context.Context, endpoint string, env Envelope, agentID int64) error {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return err
	}
	var next Sender
	switch ep.Scheme {
	case "tcp":
		next = s.TCP
	case "http", "https":
		next = s.HTTP
	}
	if next == nil {
		return fmt.Errorf("%w: no sender for scheme %q", ErrUnsupportedEndpoint, ep.Scheme)
	}
	return next.Send(ctx, endpoint, env, agentID)
}
