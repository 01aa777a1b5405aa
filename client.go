package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	zmq "github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventHandler receives the arguments of a forwarded event
type EventHandler func(args []any)

// ClientConfig holds configuration for creating a Client
type ClientConfig struct {
	Endpoint       string
	DefaultTimeout time.Duration
	EnableMetrics  bool
	Logger         *zerolog.Logger
}

// Client is the application side of the protocol. It talks to a library
// host over a DEALER socket.
type Client struct {
	endpoint string

	// DefaultTimeout bounds requests whose context has no deadline
	DefaultTimeout time.Duration

	socket  zmq.Socket
	running atomic.Bool
	closed  atomic.Bool

	pendingRequests map[string]*pendingRequest
	mu              sync.RWMutex

	// handlers maps subscription IDs to their event handler
	handlers map[string]EventHandler
	hmu      sync.RWMutex

	metrics *Metrics
	logger  zerolog.Logger
	sendMu  sync.Mutex
}

type pendingRequest struct {
	resolve func(*Message)
	reject  func(error)
}

// NewClient creates a client; call Start to connect
func NewClient(cfg ClientConfig) *Client {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}

	c := &Client{
		endpoint:        cfg.Endpoint,
		DefaultTimeout:  cfg.DefaultTimeout,
		pendingRequests: make(map[string]*pendingRequest),
		handlers:        make(map[string]EventHandler),
	}
	if cfg.EnableMetrics {
		c.metrics = NewMetrics(0)
	}
	if cfg.Logger != nil {
		c.logger = *cfg.Logger
	} else {
		c.logger = defaultLogger()
	}
	return c
}

// Dial creates a client connected to endpoint
func Dial(ctx context.Context, endpoint string) (*Client, error) {
	c := NewClient(ClientConfig{Endpoint: endpoint})
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect discovers a named library host through the service registry and dials it
func Connect(ctx context.Context, serviceName string, timeout ...time.Duration) (*Client, error) {
	t := DiscoveryTimeout
	if len(timeout) > 0 {
		t = timeout[0]
	}

	endpoint, err := Discover(serviceName, t)
	if err != nil {
		return nil, fmt.Errorf("failed to discover service '%s': %w", serviceName, err)
	}
	return Dial(ctx, endpoint)
}

// Start connects the DEALER socket and starts the receive loop
func (c *Client) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.endpoint == "" {
		return fmt.Errorf("client endpoint is required")
	}

	c.socket = zmq.NewDealer(context.Background())
	if err := c.socket.Dial(c.endpoint); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}

	c.running.Store(true)
	go c.receiveLoop()
	return nil
}

// receiveLoop handles incoming ZMQ messages
func (c *Client) receiveLoop() {
	for c.running.Load() {
		// DEALER socket receives: [empty_frame, message_data]
		msg, err := c.socket.Recv()
		if err != nil {
			if !c.running.Load() {
				return
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}

		frames := msg.Frames
		if len(frames) >= 2 {
			c.handleMessage(frames[1])
		}
	}
}

// handleMessage processes an incoming message
func (c *Client) handleMessage(data []byte) {
	msg, err := Unpack(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to unpack message")
		return
	}

	if msg.App != AppName {
		return
	}

	switch msg.Type {
	case string(MessageTypeEvent):
		c.dispatchEvent(msg)
	case string(MessageTypeResponse), string(MessageTypeError), string(MessageTypeHeartbeat):
		c.handleResponse(msg)
	}
}

// dispatchEvent calls the handler of the subscription the event belongs to
func (c *Client) dispatchEvent(msg *Message) {
	c.hmu.RLock()
	handler, ok := c.handlers[msg.Subscription]
	c.hmu.RUnlock()

	if !ok {
		c.logger.Debug().
			Str("object", msg.Object).
			Str("event", msg.EventName).
			Str("subscription", msg.Subscription).
			Msg("event for unknown subscription dropped")
		return
	}
	handler(msg.Args)
}

// handleResponse resolves the pending request a reply belongs to
func (c *Client) handleResponse(msg *Message) {
	c.mu.Lock()
	pending, exists := c.pendingRequests[msg.ID]
	if exists {
		delete(c.pendingRequests, msg.ID)
	}
	c.mu.Unlock()

	if !exists || pending == nil {
		return
	}

	if msg.Type == string(MessageTypeError) {
		pending.reject(&RemoteCallError{Message: msg.Error})
		return
	}
	pending.resolve(msg)
}

// request sends msg and waits for the reply carrying the same ID
func (c *Client) request(ctx context.Context, msg *Message) (*Message, error) {
	if !c.running.Load() {
		return nil, fmt.Errorf("client is not running")
	}

	if _, ok := ctx.Deadline(); !ok && c.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.DefaultTimeout)
		defer cancel()
	}

	resultChan := make(chan *Message, 1)
	errorChan := make(chan error, 1)

	c.mu.Lock()
	c.pendingRequests[msg.ID] = &pendingRequest{
		resolve: func(m *Message) { resultChan <- m },
		reject:  func(e error) { errorChan <- e },
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pendingRequests, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.send(msg); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-resultChan:
		return reply, nil
	case err := <-errorChan:
		return nil, err
	}
}

// send writes msg with DEALER envelope: [empty_frame, message_data]
func (c *Client) send(msg *Message) error {
	data, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("failed to pack message: %w", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.socket.Send(zmq.NewMsgFrom([]byte{}, data)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Signature fetches the library signature
func (c *Client) Signature(ctx context.Context) (Signature, error) {
	reply, err := c.request(ctx, CreateSignatureQuery(""))
	if err != nil {
		return nil, err
	}
	return reply.Signature, nil
}

// Invoke calls object.method with args and returns the settled result
func (c *Client) Invoke(ctx context.Context, object, method string, args ...any) (any, error) {
	req := &InvocationRequest{ObjectName: object, MethodName: method, Args: args}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var start time.Time
	if c.metrics != nil {
		start = c.metrics.StartRequest()
	}

	reply, err := c.request(ctx, CreateInvoke(req, ""))

	if c.metrics != nil {
		c.metrics.EndRequest(start, err == nil)
	}
	if err != nil {
		return nil, err
	}
	return reply.Result, nil
}

// Subscribe asks the host to forward event to this client. method is the
// registration member of object (for example "On"); a callback placeholder
// is appended after args. The host sends no reply for subscriptions.
//
// Each subscription gets its own ID, so handler only sees the firings of
// this registration. The ID is returned for Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, object, method, event string, handler EventHandler, args ...any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !c.running.Load() {
		return "", fmt.Errorf("client is not running")
	}

	req := &InvocationRequest{
		ObjectName:     object,
		MethodName:     method,
		Args:           append(append([]any(nil), args...), nil),
		IsEvent:        true,
		EventName:      event,
		SubscriptionID: uuid.New().String(),
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	c.hmu.Lock()
	c.handlers[req.SubscriptionID] = handler
	c.hmu.Unlock()

	if err := c.send(CreateInvoke(req, "")); err != nil {
		c.Unsubscribe(req.SubscriptionID)
		return "", err
	}
	return req.SubscriptionID, nil
}

// Unsubscribe stops delivering events of subscription id to its handler.
// The host keeps forwarding until it shuts down; those events are dropped.
func (c *Client) Unsubscribe(id string) {
	c.hmu.Lock()
	delete(c.handlers, id)
	c.hmu.Unlock()
}

// Ping sends a heartbeat and returns the round-trip time
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.request(ctx, CreateHeartbeat("")); err != nil {
		return 0, err
	}
	rtt := time.Since(start)

	if c.metrics != nil {
		c.metrics.RecordHeartbeatRtt(float64(rtt.Microseconds()) / 1000.0)
	}
	return rtt, nil
}

// Shutdown asks the library host to stop serving
func (c *Client) Shutdown() error {
	if !c.running.Load() {
		return fmt.Errorf("client is not running")
	}
	return c.send(CreateShutdown())
}

// Metrics returns the client's metrics, or nil when disabled
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// IsRunning returns whether the client is connected
func (c *Client) IsRunning() bool {
	return c.running.Load()
}

// Endpoint returns the endpoint the client dials
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Close stops the client and cancels pending requests
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.running.Store(false)

	c.mu.Lock()
	for _, pending := range c.pendingRequests {
		if pending != nil && pending.reject != nil {
			pending.reject(fmt.Errorf("client shutting down"))
		}
	}
	c.pendingRequests = make(map[string]*pendingRequest)
	c.mu.Unlock()

	if c.socket != nil {
		return c.socket.Close()
	}
	return nil
}
