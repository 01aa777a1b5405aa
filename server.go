package dispatch

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	zmq "github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Server exposes a Host on a ZeroMQ ROUTER socket. Each DEALER peer is
// addressed by its routing identity, which becomes Mail.From.
type Server struct {
	host   *Host
	cfg    BootstrapConfig
	logger zerolog.Logger

	socket  zmq.Socket
	sendMu  sync.Mutex
	running atomic.Bool

	done     chan struct{}
	doneOnce sync.Once
}

// NewServer creates a server for host. Events forwarded by host are sent
// through the server unless the host already has an event sink.
func NewServer(host *Host, cfg BootstrapConfig, logger zerolog.Logger) *Server {
	s := &Server{
		host:   host,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
	if host.sink == nil {
		host.sink = s
	}
	return s
}

// Listen binds the ROUTER socket and registers the service name, if any
func (s *Server) Listen(ctx context.Context) error {
	s.socket = zmq.NewRouter(ctx)
	if err := s.socket.Listen(s.cfg.Endpoint); err != nil {
		return fmt.Errorf("failed to bind to %s: %w", s.cfg.Endpoint, err)
	}

	if s.cfg.ServiceName != "" {
		if err := Register(s.cfg.ServiceName, s.cfg.Endpoint); err != nil {
			return fmt.Errorf("failed to register service: %w", err)
		}
	}

	s.running.Store(true)
	s.logger.Info().Str("endpoint", s.cfg.Endpoint).Str("service", s.cfg.ServiceName).Msg("library host listening")
	return nil
}

// Serve handles requests until ctx is cancelled or a shutdown message
// arrives. Invocations still in flight at that point see their context
// cancelled before the host is closed.
func (s *Server) Serve(ctx context.Context) error {
	if s.socket == nil {
		return fmt.Errorf("server is not listening")
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error {
		s.receiveLoop(gctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.done:
		}
		cancel()
		s.Stop()
		return nil
	})
	return g.Wait()
}

// receiveLoop handles incoming messages
func (s *Server) receiveLoop(ctx context.Context) {
	for s.running.Load() {
		// ROUTER socket receives: [sender_id, empty_frame, message_data]
		msg, err := s.socket.Recv()
		if err != nil {
			if !s.running.Load() {
				return
			}
			s.logger.Warn().Err(err).Msg("receive error")
			continue
		}

		frames := msg.Frames
		if len(frames) >= 3 {
			s.handleMessage(ctx, frames[2], frames[0])
		}
	}
}

// handleMessage processes an incoming message
func (s *Server) handleMessage(ctx context.Context, data []byte, senderID []byte) {
	msg, err := Unpack(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to unpack message")
		return
	}

	if msg.App != AppName {
		return
	}

	switch msg.Type {
	case string(MessageTypeSignature):
		mail := NewMail(string(senderID), msg.ID, s.replyTo(senderID, msg.ID))
		if err := s.host.GetSignature(mail); err != nil {
			s.logger.Warn().Err(err).Msg("signature request failed")
		}
	case string(MessageTypeInvoke):
		mail := NewMail(string(senderID), msg.ID, s.replyTo(senderID, msg.ID))
		s.host.Invoke(ctx, mail, msg.Request())
	case string(MessageTypeHeartbeat):
		s.handleHeartbeat(msg, senderID)
	case string(MessageTypeShutdown):
		s.logger.Info().Msg("shutdown requested")
		s.doneOnce.Do(func() { close(s.done) })
	}
}

// handleHeartbeat echoes a heartbeat back immediately
func (s *Server) handleHeartbeat(msg *Message, senderID []byte) {
	var originalTs float64
	if msg.Metadata != nil {
		if ts, ok := msg.Metadata["hb_timestamp"].(float64); ok {
			originalTs = ts
		}
	}

	// Heartbeat failures are frequent and noisy; they are not logged.
	_ = s.send(senderID, CreateHeartbeatResponse(msg.ID, originalTs))
}

// replyTo builds the reply capability for one inbound request
func (s *Server) replyTo(senderID []byte, msgID string) ReplyFunc {
	return func(result any, err error) error {
		var resp *Message
		switch v := result.(type) {
		case Signature:
			resp = CreateSignatureResponse(v, msgID)
		default:
			resp = CreateResponse(result, msgID)
		}
		if err != nil {
			resp = CreateError(err.Error(), msgID)
		}
		return s.send(senderID, resp)
	}
}

// Forward sends a forwarded event to its subscriber. It implements EventSink.
func (s *Server) Forward(ev ForwardedEvent) {
	if err := s.send([]byte(ev.To), CreateEvent(ev)); err != nil {
		s.logger.Warn().Err(err).Str("event", ev.EventName).Msg("failed to forward event")
	}
}

// send writes a message with ROUTER envelope: [sender_id, empty_frame, data]
func (s *Server) send(senderID []byte, msg *Message) error {
	data, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("failed to pack %s message: %w", msg.Type, err)
	}
	if !s.running.Load() {
		return fmt.Errorf("server is not running")
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.socket.Send(zmq.NewMsgFrom(senderID, []byte{}, data))
}

// Done returns a channel that closes when a shutdown message was received
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Stop stops serving and cleans up resources
func (s *Server) Stop() {
	if !s.running.Swap(false) {
		return
	}

	if s.cfg.ServiceName != "" {
		if err := Unregister(s.cfg.ServiceName); err != nil {
			s.logger.Warn().Err(err).Msg("failed to unregister service")
		}
	}

	s.sendMu.Lock()
	if s.socket != nil {
		s.socket.Close()
	}
	s.sendMu.Unlock()

	s.host.Close()
}

// Run hosts lib in a library process started by a Supervisor (blocking).
// It exits the process with status 1 if the bootstrap config is invalid or
// the library fails to initialize. Spans are exported when the OTEL_*
// environment selects a trace exporter.
func Run(lib Library, opts ...HostOption) {
	logger := NewLogger("info", os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := InitTracing(ctx, TracingConfigFromEnv())
	if err != nil {
		logger.Error().Err(err).Msg("failed to set up tracing")
		stop()
		os.Exit(1)
	}

	err = RunContext(ctx, lib, append([]HostOption{WithLogger(logger)}, opts...)...)
	if terr := shutdownTracing(context.Background()); terr != nil {
		logger.Warn().Err(terr).Msg("failed to flush spans")
	}
	if err != nil {
		logger.Error().Err(err).Msg("library host failed")
		stop()
		os.Exit(1)
	}
}

// RunContext parses lib, binds the endpoint from the bootstrap environment,
// signals readiness to the supervisor and serves until ctx is done. When the
// bootstrap names a metrics address the host's collector is served there.
func RunContext(ctx context.Context, lib Library, opts ...HostOption) error {
	cfg, err := BootstrapFromEnv()
	if err != nil {
		return &ConfigurationError{Field: "bootstrap environment", Err: err}
	}

	host := NewHost(lib, append([]HostOption{WithErrorPolicy(cfg.ErrorPolicy)}, opts...)...)
	server := NewServer(host, cfg, host.logger)

	if err := host.Init(ctx); err != nil {
		return err
	}
	if err := server.Listen(ctx); err != nil {
		return err
	}
	defer server.Stop()

	if cfg.MetricsAddr != "" {
		ms, err := ServeMetrics(cfg.MetricsAddr, host.Ready, host.logger, host.Metrics())
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ms.Shutdown(shutdownCtx)
		}()
	}

	if err := signalReadyFD(cfg.ReadyFD); err != nil {
		return fmt.Errorf("failed to signal readiness: %w", err)
	}
	host.logger.Info().Int("pid", os.Getpid()).Msg("library host ready")

	return server.Serve(ctx)
}
