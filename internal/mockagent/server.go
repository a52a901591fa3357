// Package mockagent runs TCP listeners that stand in for real agents. Each
// listener reads one JSON envelope per connection and keeps the last one.
// Connections on a port are handled one at a time, in accept order.
package mockagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joelkehle/agentflow/internal/delivery"
)

const maxEnvelopeBytes = 1 << 20

// Received is the last envelope seen on one port.
type Received struct {
	Port       int               `json:"port"`
	Envelope   delivery.Envelope `json:"envelope"`
	Raw        string            `json:"raw,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
	Count      int               `json:"count"`
}

type Server struct {
	host   string
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[int]net.Listener
	last      map[int]Received
	counts    map[int]int
}

func New(host string, logger *slog.Logger) *Server {
	if host == "" {
		host = "127.0.0.1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		host:      host,
		logger:    logger,
		listeners: map[int]net.Listener{},
		last:      map[int]Received{},
		counts:    map[int]int{},
	}
}

// Listen binds every port. Port 0 picks a free port; Ports reports the
// bound numbers.
func (s *Server) Listen(ports []int) error {
	for _, p := range ports {
		ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(p)))
		if err != nil {
			s.Close()
			return fmt.Errorf("listen on %d: %w", p, err)
		}
		bound := ln.Addr().(*net.TCPAddr).Port
		s.mu.Lock()
		s.listeners[bound] = ln
		s.mu.Unlock()
		s.logger.Info("mock agent listening", "port", bound)
	}
	return nil
}

func (s *Server) Ports() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.listeners))
	for p := range s.listeners {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// Serve accepts connections on every bound port until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listeners := make(map[int]net.Listener, len(s.listeners))
	for p, ln := range s.listeners {
		listeners[p] = ln
	}
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for port, ln := range listeners {
		g.Go(func() error { return s.accept(ctx, port, ln) })
	}
	g.Go(func() error {
		<-ctx.Done()
		s.Close()
		return nil
	})
	return g.Wait()
}

func (s *Server) accept(ctx context.Context, port int, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept on %d: %w", port, err)
		}
		s.handle(port, conn)
	}
}

func (s *Server) handle(port int, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	blob, err := io.ReadAll(io.LimitReader(conn, maxEnvelopeBytes))
	if err != nil && len(blob) == 0 {
		s.logger.Warn("mock agent read failed", "port", port, "error", err)
		return
	}

	rec := Received{Port: port, ReceivedAt: time.Now().UTC()}
	if err := json.Unmarshal(blob, &rec.Envelope); err != nil {
		rec.Raw = string(blob)
		s.logger.Warn("mock agent received non-JSON data", "port", port, "bytes", len(blob))
	} else {
		s.logger.Info("mock agent received message", "port", port, "tag_id", rec.Envelope.TagID)
	}

	s.mu.Lock()
	s.counts[port]++
	rec.Count = s.counts[port]
	s.last[port] = rec
	s.mu.Unlock()
}

// Last returns the most recent envelope received on port.
func (s *Server) Last(port int) (Received, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.last[port]
	return r, ok
}

// All returns the last envelope of every port that has received one,
// ordered by port.
func (s *Server) All() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Received, 0, len(s.last))
	for _, r := range s.last {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
}
