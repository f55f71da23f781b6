// Package bus connects the gateway to the NATS message bus that machines and
// edge simulators publish readings on.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"iiot-gateway/internal/apperr"
	"iiot-gateway/internal/retry"
)

const (
	DefaultSubject = "factory.machines.*"
	SourceBus      = "bus"

	headerContentType = "Content-Type"
	pendingMessages   = 1024
)

// Handler receives every message payload.
type Handler interface {
	HandlePayload(ctx context.Context, payload []byte, contentType, source string) error
}

type Config struct {
	URL           string
	Subject       string
	ClientName    string
	ReconnectWait time.Duration
}

// Subscriber consumes readings from the bus and hands them to a Handler, one
// message at a time.
type Subscriber struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger
	backoff retry.Config
	dial    func() (session, error)
}

// session is the slice of a bus connection the subscriber needs.
type session interface {
	subscribe(subject string, ch chan *nats.Msg) (unsubscribe func() error, err error)
	url() string
	closed() bool
	close()
}

type natsSession struct{ nc *nats.Conn }

func (n natsSession) subscribe(subject string, ch chan *nats.Msg) (func() error, error) {
	sub, err := n.nc.ChanSubscribe(subject, ch)
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (n natsSession) url() string  { return n.nc.ConnectedUrl() }
func (n natsSession) closed() bool { return n.nc.IsClosed() }
func (n natsSession) close()       { n.nc.Close() }

func NewSubscriber(cfg Config, h Handler, logger *slog.Logger) *Subscriber {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "iiot-gateway"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscriber{
		cfg:     cfg,
		handler: h,
		logger:  logger.With("component", "bus"),
		backoff: retry.Forever(),
	}
	s.dial = func() (session, error) {
		nc, err := nats.Connect(cfg.URL, s.options()...)
		if err != nil {
			return nil, err
		}
		return natsSession{nc: nc}, nil
	}
	s.backoff.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("bus subscription failed, retrying",
			"url", cfg.URL,
			"attempt", attempt,
			"retry_in", wait,
			"error", err)
	}
	return s
}

// Run connects and subscribes, retrying both until ctx ends, then consumes
// until ctx is cancelled. A clean shutdown returns nil.
func (s *Subscriber) Run(ctx context.Context) error {
	var (
		conn        session
		unsubscribe func() error
	)
	msgs := make(chan *nats.Msg, pendingMessages)
	err := retry.Do(ctx, s.backoff, func(context.Context) error {
		c, err := s.dial()
		if err != nil {
			return err
		}
		unsub, err := c.subscribe(s.cfg.Subject, msgs)
		if err != nil {
			c.close()
			return fmt.Errorf("subscribe %s: %w", s.cfg.Subject, err)
		}
		conn, unsubscribe = c, unsub
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return apperr.Transport("bus.Run", err)
	}
	defer conn.close()
	s.logger.Info("subscribed to bus", "url", conn.url(), "subject", s.cfg.Subject)

	s.consume(ctx, msgs)

	if err := unsubscribe(); err != nil && !conn.closed() {
		s.logger.Warn("unsubscribe failed", "error", err)
	}
	s.logger.Info("bus subscriber stopped")
	return nil
}

func (s *Subscriber) options() []nats.Option {
	return []nats.Option{
		nats.Name(s.cfg.ClientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(s.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("bus disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("bus reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			s.logger.Debug("bus connection closed")
		}),
	}
}

func (s *Subscriber) consume(ctx context.Context, msgs <-chan *nats.Msg) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, msg *nats.Msg) {
	contentType := ""
	if msg.Header != nil {
		contentType = msg.Header.Get(headerContentType)
	}
	// rejected payloads are logged and counted by the handler
	if err := s.handler.HandlePayload(ctx, msg.Data, contentType, SourceBus); err != nil {
		s.logger.Debug("bus message not ingested", "subject", msg.Subject, "error", err)
	}
}

// SubjectFor fills the single-token wildcard of pattern with machineID:
// "factory.machines.*" becomes "factory.machines.M1".
func SubjectFor(pattern, machineID string) string {
	if i := strings.LastIndex(pattern, "*"); i >= 0 {
		return pattern[:i] + machineID + pattern[i+1:]
	}
	if strings.HasSuffix(pattern, ">") {
		return strings.TrimSuffix(pattern, ">") + machineID
	}
	return pattern + "." + machineID
}
