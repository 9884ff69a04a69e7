// Package classifier implements the visual classification oracle clients.
// Two transports exist: a line-oriented TCP socket protocol and an
// OpenAI-style chat-completion HTTP protocol. Both return a definite
// verdict or an error; an error is never treated as a negative verdict.
package classifier

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ssoscout/loginscout/internal/detect"
	"github.com/ssoscout/loginscout/internal/metrics"
)

// Fixed read buffer mandated by the socket protocol.
const socketReadBuffer = 1024

// verdictLabel buckets a classification outcome for the oracle metric.
func verdictLabel(v detect.Verdict, err error) string {
	switch {
	case err != nil:
		return "error"
	case v.LoginPresent:
		return "yes"
	default:
		return "no"
	}
}

// SocketConfig controls the socket transport.
type SocketConfig struct {
	Addr    string
	NoSave  bool
	Timeout time.Duration
}

// SocketClient speaks the line-oriented classification protocol: connect,
// send "<path>[ noSave]\n", read up to 1024 bytes. The substring "YES" in
// the reply is a positive verdict.
type SocketClient struct {
	cfg    SocketConfig
	dialer *net.Dialer
	logger *zap.Logger
}

// NewSocketClient builds a SocketClient.
func NewSocketClient(cfg SocketConfig, logger *zap.Logger) *SocketClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &SocketClient{
		cfg:    cfg,
		dialer: &net.Dialer{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Classify sends the screenshot path to the classification server and
// interprets the reply. Each request uses a fresh connection.
func (c *SocketClient) Classify(ctx context.Context, imageRef string) (verdict detect.Verdict, err error) {
	defer func() { metrics.ObserveOracleCall("socket", verdictLabel(verdict, err)) }()

	start := time.Now()
	conn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return detect.Verdict{}, fmt.Errorf("connect classification server %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close() //nolint:errcheck

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return detect.Verdict{}, fmt.Errorf("set classification deadline: %w", err)
	}

	message := imageRef
	if c.cfg.NoSave {
		message += " noSave"
	}
	if _, err := conn.Write([]byte(message + "\n")); err != nil {
		return detect.Verdict{}, fmt.Errorf("send classification request: %w", err)
	}

	buf := make([]byte, socketReadBuffer)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		return detect.Verdict{}, fmt.Errorf("read classification response: %w", err)
	}
	raw := strings.TrimSpace(string(buf[:n]))

	c.logger.Debug("classification response",
		zap.String("image", imageRef),
		zap.String("response", raw),
		zap.Duration("took", time.Since(start)),
	)

	if strings.HasPrefix(raw, "Error:") {
		return detect.Verdict{}, fmt.Errorf("classification server error: %s", raw)
	}
	return detect.Verdict{
		LoginPresent: strings.Contains(raw, "YES"),
		Raw:          raw,
	}, nil
}
