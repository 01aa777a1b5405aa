package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/clusterdispatch/golang"

// Library maps service names to service instances. An entry may be a
// *Service, any Go value (described with Describe), a *Future or Routine
// producing one, or a function producing one.
type Library map[string]any

// ErrorPolicy decides what the host does when a request cannot be served
type ErrorPolicy int

const (
	// DropOnError logs invocation failures and sends no reply; malformed
	// requests are ignored without a log entry.
	DropOnError ErrorPolicy = iota

	// ReplyOnError sends an explicit error reply for failures and malformed requests.
	ReplyOnError
)

func (p ErrorPolicy) String() string {
	switch p {
	case ReplyOnError:
		return "reply"
	default:
		return "drop"
	}
}

// ParseErrorPolicy maps "drop" or "reply" to an ErrorPolicy
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch s {
	case "", "drop":
		return DropOnError, nil
	case "reply":
		return ReplyOnError, nil
	default:
		return DropOnError, fmt.Errorf("unknown error policy %q", s)
	}
}

// HostState is the lifecycle state of a Host
type HostState int32

const (
	StateStarting HostState = iota
	StateParsing
	StateReady
)

func (s HostState) String() string {
	switch s {
	case StateParsing:
		return "parsing"
	case StateReady:
		return "ready"
	default:
		return "starting"
	}
}

// Host owns the parsed library and serves get-signature and invoke requests
// against it.
type Host struct {
	library   Library
	parsed    map[string]*Service
	signature Signature
	state     atomic.Int32

	policy  ErrorPolicy
	sink    EventSink
	logger  zerolog.Logger
	tracer  trace.Tracer
	metrics *Metrics

	mu   sync.Mutex
	subs map[string]*Subscription

	// turn lets one invocation run synchronous code at a time
	turn turn

	wg sync.WaitGroup
}

// HostOption configures a Host
type HostOption func(*Host)

// WithErrorPolicy sets how failures and malformed requests are answered
func WithErrorPolicy(p ErrorPolicy) HostOption {
	return func(h *Host) {
		h.policy = p
	}
}

// WithEventSink sets where forwarded events are delivered
func WithEventSink(sink EventSink) HostOption {
	return func(h *Host) {
		h.sink = sink
	}
}

// WithLogger sets the logger that receives invocation failures
func WithLogger(l zerolog.Logger) HostOption {
	return func(h *Host) {
		h.logger = l
	}
}

// WithTracer sets the tracer used for invocation spans
func WithTracer(t trace.Tracer) HostOption {
	return func(h *Host) {
		h.tracer = t
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m *Metrics) HostOption {
	return func(h *Host) {
		h.metrics = m
	}
}

// NewHost creates a host for lib. Call Init before serving requests.
func NewHost(lib Library, opts ...HostOption) *Host {
	h := &Host{
		library: lib,
		parsed:  make(map[string]*Service),
		logger:  defaultLogger(),
		metrics: NewMetrics(0),
		subs:    make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.tracer == nil {
		h.tracer = otel.Tracer(tracerName)
	}
	return h
}

// Init resolves every library entry, describes it and computes the
// aggregated signature. On error the host stays unready.
func (h *Host) Init(ctx context.Context) error {
	h.state.Store(int32(StateParsing))

	names := make([]string, 0, len(h.library))
	for name := range h.library {
		names = append(names, name)
	}
	sort.Strings(names)

	parsed := make(map[string]*Service, len(names))
	sig := make(Signature, len(names))
	for _, name := range names {
		resolved, err := Execute(ctx, h.library[name], nil)
		if err != nil {
			return &InitializationError{Entry: name, Err: err}
		}
		svc, err := Describe(resolved)
		if err != nil {
			return &InitializationError{Entry: name, Err: err}
		}
		parsed[name] = svc
		sig[name] = Reflect(svc)
	}

	h.parsed = parsed
	h.signature = sig
	h.state.Store(int32(StateReady))

	h.logger.Info().Int("services", len(parsed)).Msg("library parsed")
	return nil
}

// State returns the current lifecycle state
func (h *Host) State() HostState {
	return HostState(h.state.Load())
}

// Ready reports whether Init completed
func (h *Host) Ready() bool {
	return h.State() == StateReady
}

// Signature returns the aggregated library signature
func (h *Host) Signature() Signature {
	return h.signature
}

// Metrics returns the host's metrics collector
func (h *Host) Metrics() *Metrics {
	return h.metrics
}

// Service returns the parsed service registered under name
func (h *Host) Service(name string) (*Service, bool) {
	svc, ok := h.parsed[name]
	return svc, ok
}

// GetSignature replies to mail with the aggregated signature
func (h *Host) GetSignature(mail *Mail) error {
	if !h.Ready() {
		return ErrNotReady
	}
	return mail.Reply(h.signature)
}

// Invoke serves one invocation request. It returns immediately; the
// execution runs on its own goroutine.
//
// A non-event request is executed and answered exactly once. An event
// request registers a forwarding listener and is never answered. Failures
// are handled according to the host's ErrorPolicy.
func (h *Host) Invoke(ctx context.Context, mail *Mail, req *InvocationRequest) {
	if err := req.Validate(); err != nil {
		if h.policy == ReplyOnError && mail != nil {
			_ = mail.ReplyError(err)
		}
		return
	}

	member, err := h.lookup(req)
	if err != nil {
		h.fail(mail, req, err)
		return
	}

	h.wg.Add(1)
	if req.IsEvent {
		from := ""
		if mail != nil {
			from = mail.From
		}
		go func() {
			defer h.wg.Done()
			if _, err := h.register(ctx, from, req, member); err != nil {
				h.logger.Error().Err(err).
					Str("object", req.ObjectName).
					Str("method", req.MethodName).
					Str("event", req.EventName).
					Msg("event registration failed")
			}
		}()
		return
	}

	go func() {
		defer h.wg.Done()
		result, err := h.execute(ctx, req, member)
		if err != nil {
			h.fail(mail, req, err)
			return
		}
		if mail == nil {
			return
		}
		if err := mail.Reply(result); err != nil {
			h.logger.Warn().Err(err).Str("to", mail.From).Msg("reply failed")
		}
	}()
}

// Subscribe registers a listener that forwards every firing of
// req.EventName to the address to. The final argument of req is replaced by
// the forwarding listener before the registration member is called.
func (h *Host) Subscribe(ctx context.Context, to string, req *InvocationRequest) (*Subscription, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !req.IsEvent {
		return nil, fmt.Errorf("%w: not an event request", ErrMalformedRequest)
	}
	member, err := h.lookup(req)
	if err != nil {
		return nil, err
	}
	return h.register(ctx, to, req, member)
}

func (h *Host) register(ctx context.Context, to string, req *InvocationRequest, member *Member) (*Subscription, error) {
	if kindOf(member.Value()) != "function" {
		return nil, fmt.Errorf("%w: %s.%s is not callable", ErrNotEventSource, req.ObjectName, req.MethodName)
	}

	var active atomic.Bool
	active.Store(true)

	id := req.SubscriptionID
	if id == "" {
		id = uuid.New().String()
	}
	object, eventName := req.ObjectName, req.EventName
	forward := Listener(func(args ...any) {
		if !active.Load() {
			return
		}
		h.forward(ForwardedEvent{
			Object:         object,
			EventName:      eventName,
			SubscriptionID: id,
			To:             to,
			Args:           append([]any(nil), args...),
		})
	})

	args := append([]any(nil), req.Args...)
	if len(args) == 0 {
		args = append(args, forward)
	} else {
		args[len(args)-1] = forward
	}

	tok := h.turn.acquire()
	result, err := Execute(withTurn(ctx, tok), member.Value(), args)
	tok.release()
	if err != nil {
		active.Store(false)
		return nil, &InvocationError{Object: req.ObjectName, Method: req.MethodName, Err: err}
	}
	inner, _ := result.(*Subscription)

	sub := &Subscription{
		ID:       id,
		Event:    eventName,
		listener: forward,
	}
	sub.cancel = func() {
		active.Store(false)
		inner.Cancel()
		h.mu.Lock()
		delete(h.subs, sub.ID)
		h.mu.Unlock()
	}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()

	h.logger.Debug().
		Str("object", req.ObjectName).
		Str("event", eventName).
		Str("to", to).
		Msg("event subscription registered")
	return sub, nil
}

func (h *Host) forward(ev ForwardedEvent) {
	h.metrics.RecordEventForwarded()
	if h.sink == nil {
		h.logger.Debug().Str("event", ev.EventName).Msg("no event sink, event dropped")
		return
	}
	h.sink.Forward(ev)
}

// Subscriptions returns the number of active event subscriptions
func (h *Host) Subscriptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Host) lookup(req *InvocationRequest) (*Member, error) {
	if !h.Ready() {
		return nil, ErrNotReady
	}
	svc, ok := h.parsed[req.ObjectName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownObject, req.ObjectName)
	}
	if isPrivate(req.MethodName) {
		return nil, fmt.Errorf("%w: %s", ErrPrivateMember, req.MethodName)
	}
	member, ok := svc.Member(req.MethodName)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMember, req.ObjectName, req.MethodName)
	}
	return member, nil
}

func (h *Host) execute(ctx context.Context, req *InvocationRequest, member *Member) (any, error) {
	ctx, span := h.tracer.Start(ctx, "dispatch.invoke",
		trace.WithAttributes(
			attribute.String("dispatch.object", req.ObjectName),
			attribute.String("dispatch.method", req.MethodName),
			attribute.Int("dispatch.args", len(req.Args)),
		),
	)
	defer span.End()

	tok := h.turn.acquire()
	start := h.metrics.StartRequest()
	result, err := Execute(withTurn(ctx, tok), member.Value(), req.Args)
	latency := h.metrics.EndRequest(start, err == nil)
	tok.release()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &InvocationError{Object: req.ObjectName, Method: req.MethodName, Err: err}
	}

	h.logger.Debug().
		Str("object", req.ObjectName).
		Str("method", req.MethodName).
		Dur("latency", time.Duration(latency*float64(time.Millisecond))).
		Msg("invocation settled")
	return result, nil
}

func (h *Host) fail(mail *Mail, req *InvocationRequest, err error) {
	h.logger.Error().Err(err).
		Str("object", req.ObjectName).
		Str("method", req.MethodName).
		Msg("invocation failed")

	if h.policy == ReplyOnError && mail != nil {
		if replyErr := mail.ReplyError(err); replyErr != nil {
			h.logger.Warn().Err(replyErr).Str("to", mail.From).Msg("error reply failed")
		}
	}
}

// Wait blocks until every in-flight invocation and registration finished
func (h *Host) Wait() {
	h.wg.Wait()
}

// Close cancels every event subscription and waits for in-flight work
func (h *Host) Close() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	h.wg.Wait()
}
