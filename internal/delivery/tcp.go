package delivery

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPSender opens a connection per send, writes the JSON envelope and
// closes. Success means the write completed; agents send no reply.
type TCPSender struct {
	Timeout time.Duration
	Dialer  *net.Dialer
}

func NewTCPSender(timeout time.Duration) *TCPSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TCPSender{Timeout: timeout, Dialer: &net.Dialer{}}
}

func (s *TCPSender) Send(ctx context.Context, endpoint string, env Envelope, agentID int64) error {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return err
	}
	if ep.Scheme != "tcp" {
		return fmt.Errorf("%w: tcp sender got %q", ErrUnsupportedEndpoint, endpoint)
	}
	blob, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	dialer := s.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	conn, err := dialer.DialContext(ctx, "tcp", ep.Host)
	if err != nil {
		return fmt.Errorf("dial agent %d at %s: %w", agentID, ep.Host, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if _, err := conn.Write(blob); err != nil {
		return fmt.Errorf("write agent %d at %s: %w", agentID, ep.Host, err)
	}
	return nil
}
