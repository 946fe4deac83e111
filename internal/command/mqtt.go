package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/twinline-core/internal/infrastructure/mqtt"
)

// DefaultResponseTimeout bounds how long MQTTInvoker waits for a response.
const DefaultResponseTimeout = 30 * time.Second

// commandQoS is used for requests and responses.
const commandQoS byte = 1

// MQTTClient is the part of the MQTT client the transports need.
type MQTTClient interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	PublishJSON(topic string, v any) error
}

// Recorder counts handled commands. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordCommand(method string, status int)
}

// Server answers MQTT method calls from a Router.
type Server struct {
	client   MQTTClient
	router   *Router
	logger   Logger
	recorder Recorder

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// NewServer creates a server for router. recorder may be nil.
func NewServer(client MQTTClient, router *Router, logger Logger, recorder Recorder) *Server {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Server{
		client:   client,
		router:   router,
		logger:   logger,
		recorder: recorder,
	}
}

// Start subscribes to command requests. Handlers run with a context derived
// from ctx that is cancelled by Stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.client.Subscribe(mqtt.Topics{}.AllCommands(), commandQoS, s.handleRequest); err != nil {
		s.cancel()
		return fmt.Errorf("subscribing to commands: %w", err)
	}
	s.logger.Info("command server started", "topic", mqtt.Topics{}.AllCommands())
	return nil
}

// Stop unsubscribes, cancels in-flight handlers and waits for them.
func (s *Server) Stop() {
	if err := s.client.Unsubscribe(mqtt.Topics{}.AllCommands()); err != nil {
		s.logger.Warn("unsubscribing from commands", "error", err)
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.running.Wait()
}

func (s *Server) handleRequest(topic string, payload []byte) error {
	deviceID, method, ok := mqtt.ParseCommandTopic(topic)
	if !ok {
		return fmt.Errorf("%w: topic %q", ErrInvalidRequest, topic)
	}

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.RequestID == "" {
		return fmt.Errorf("%w: missing request_id", ErrInvalidRequest)
	}
	req.DeviceID = deviceID
	req.Method = method

	replyTo := req.ReplyTo
	if !strings.HasPrefix(replyTo, mqtt.TopicPrefix+"/response/") {
		replyTo = mqtt.Topics{}.Response(req.RequestID)
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return ErrNotStarted
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Handlers can run for seconds; keep the paho router free.
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		s.serve(ctx, req, replyTo)
	}()
	return nil
}

func (s *Server) serve(ctx context.Context, req Request, replyTo string) {
	status, err := s.router.Invoke(ctx, req.DeviceID, req.Method, req.Payload)
	if err != nil {
		s.logger.Error("invoking command", "device", req.DeviceID, "method", req.Method, "error", err)
		status = StatusFailed
	}
	if s.recorder != nil {
		s.recorder.RecordCommand(req.Method, status)
	}
	s.logger.Debug("command handled", "device", req.DeviceID, "method", req.Method, "status", status)

	resp := Response{
		RequestID: req.RequestID,
		DeviceID:  req.DeviceID,
		Method:    req.Method,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
	if err := s.client.PublishJSON(replyTo, resp); err != nil {
		s.logger.Error("publishing command response", "request_id", req.RequestID, "error", err)
	}
}

// MQTTInvoker calls methods on devices served by a remote Server.
//
// Thread Safety: Invoke is safe for concurrent use.
type MQTTInvoker struct {
	client  MQTTClient
	timeout time.Duration
	logger  Logger

	mu      sync.Mutex
	pending map[string]chan Response
	started bool
}

// NewMQTTInvoker creates an invoker. A non-positive timeout uses
// DefaultResponseTimeout.
func NewMQTTInvoker(client MQTTClient, timeout time.Duration, logger Logger) *MQTTInvoker {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &MQTTInvoker{
		client:  client,
		timeout: timeout,
		logger:  logger,
		pending: make(map[string]chan Response),
	}
}

// Start subscribes to command responses.
func (i *MQTTInvoker) Start() error {
	if err := i.client.Subscribe(mqtt.Topics{}.AllResponses(), commandQoS, i.handleResponse); err != nil {
		return fmt.Errorf("subscribing to command responses: %w", err)
	}
	i.mu.Lock()
	i.started = true
	i.mu.Unlock()
	return nil
}

// Stop unsubscribes from command responses. Waiting calls time out.
func (i *MQTTInvoker) Stop() {
	i.mu.Lock()
	i.started = false
	i.mu.Unlock()
	if err := i.client.Unsubscribe(mqtt.Topics{}.AllResponses()); err != nil {
		i.logger.Warn("unsubscribing from command responses", "error", err)
	}
}

// Invoke implements Invoker.
func (i *MQTTInvoker) Invoke(ctx context.Context, deviceID, method string, payload any) (int, error) {
	if !mqtt.ValidSegment(deviceID) || !mqtt.ValidSegment(method) {
		return StatusFailed, fmt.Errorf("%w: device %q method %q", ErrInvalidRequest, deviceID, method)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return StatusFailed, err
	}

	req := Request{
		RequestID: uuid.NewString(),
		DeviceID:  deviceID,
		Method:    method,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
	req.ReplyTo = mqtt.Topics{}.Response(req.RequestID)

	ch := make(chan Response, 1)
	i.mu.Lock()
	if !i.started {
		i.mu.Unlock()
		return StatusFailed, ErrNotStarted
	}
	i.pending[req.RequestID] = ch
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		delete(i.pending, req.RequestID)
		i.mu.Unlock()
	}()

	if err := i.client.PublishJSON(mqtt.Topics{}.Command(deviceID, method), req); err != nil {
		return StatusFailed, fmt.Errorf("publishing command: %w", err)
	}

	timer := time.NewTimer(i.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp.Status, nil
	case <-timer.C:
		return StatusFailed, fmt.Errorf("%w: %s on %s after %s", ErrTimeout, method, deviceID, i.timeout)
	case <-ctx.Done():
		return StatusFailed, ctx.Err()
	}
}

func (i *MQTTInvoker) handleResponse(topic string, payload []byte) error {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("decoding command response on %s: %w", topic, err)
	}

	i.mu.Lock()
	ch, ok := i.pending[resp.RequestID]
	i.mu.Unlock()
	if !ok {
		i.logger.Debug("response for unknown request", "request_id", resp.RequestID)
		return nil
	}

	select {
	case ch <- resp:
	default:
	}
	return nil
}
