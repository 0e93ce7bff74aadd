package runner

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"alloy/core"
	"alloy/events/room"
	"alloy/events/session"
	"alloy/handlers/answer"
	"alloy/handlers/media"
	"alloy/handlers/vision"

	"github.com/google/uuid"
)

const (
	DefaultGreeting      = "Hi there! How can I help?"
	DefaultRetryInterval = 1000 * time.Millisecond
	DefaultQueueSize     = 16

	// a vision-augmented answer may itself request the image tool again;
	// it is answered once and no further
	maxFollowUps = 1
)

var (
	ErrAlreadyRunning = errors.New("orchestrator: already running")
	ErrTerminated     = errors.New("orchestrator: session terminated")
)

// Answerer runs one turn of the conversation against chat.
type Answerer interface {
	Answer(ctx context.Context, chat *core.ChatContext, req answer.Request) answer.Outcome
}

// VisionHook is invoked for every image tool call the model makes.
type VisionHook interface {
	Image(ctx context.Context, userMsg string) (*core.VideoFrame, error)
}

// Observer receives session events as they happen.
type Observer interface {
	Broadcast(event core.IExternalOutputEvent)
}

type Config struct {
	SystemPrompt   string
	Greeting       string
	AcquireTimeout time.Duration
	PollInterval   time.Duration
	RetryInterval  time.Duration
	QueueSize      int
	// FramesPerSecond caps how often captured frames replace the latest
	// one. Zero keeps every frame.
	FramesPerSecond float64
}

func DefaultConfig() Config {
	return Config{
		SystemPrompt:   core.DefaultSystemPrompt,
		Greeting:       DefaultGreeting,
		AcquireTimeout: media.DefaultAcquireTimeout,
		PollInterval:   media.DefaultPollInterval,
		RetryInterval:  DefaultRetryInterval,
		QueueSize:      DefaultQueueSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SystemPrompt == "" {
		c.SystemPrompt = d.SystemPrompt
	}
	if c.Greeting == "" {
		c.Greeting = d.Greeting
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

type Option func(*Orchestrator)

// WithFrameSlot shares slot with the answer pipeline so that captured frames
// reach the model.
func WithFrameSlot(slot *media.FrameSlot) Option {
	return func(o *Orchestrator) {
		if slot != nil {
			o.frames = slot
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) {
		if observer != nil {
			o.observers = append(o.observers, observer)
		}
	}
}

func WithSessionID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.sessionID = id
		}
	}
}

// Orchestrator owns one conversation in one room. Answer requests from the
// greeting, room events and model tool calls are funneled through a single
// queue so that at most one answer is in flight.
type Orchestrator struct {
	room      core.Room
	answerer  Answerer
	vision    VisionHook
	frames    *media.FrameSlot
	config    Config
	logger    *core.Logger
	metrics   *Metrics
	observers []Observer
	sessionID string

	// written only by the consumer goroutine
	chat *core.ChatContext

	queue      chan *core.EventPacket
	ready      chan struct{}
	done       chan struct{}
	running    atomic.Bool
	closeOnce  sync.Once
	terminated atomic.Bool
	pending    atomic.Int64
}

func NewOrchestrator(rm core.Room, pipeline Answerer, hook VisionHook, cfg Config, logger *core.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = core.GetLogger()
	}
	cfg = cfg.withDefaults()

	o := &Orchestrator{
		room:      rm,
		answerer:  pipeline,
		vision:    hook,
		config:    cfg,
		sessionID: uuid.NewString(),
		chat:      core.NewChatContext(cfg.SystemPrompt),
		queue:     make(chan *core.EventPacket, cfg.QueueSize),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.frames == nil {
		o.frames = media.NewFrameSlot(cfg.FramesPerSecond)
	}
	o.logger = logger.With(map[string]interface{}{"session_id": o.sessionID})
	return o
}

func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

// Frames is the slot the media loop writes captured frames to.
func (o *Orchestrator) Frames() *media.FrameSlot {
	return o.frames
}

// Context returns a copy of the conversation so far.
func (o *Orchestrator) Context() []core.ChatMessage {
	return o.chat.Snapshot()
}

// Done is closed once the session has terminated.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

func (o *Orchestrator) Terminated() bool {
	return o.terminated.Load()
}

// Run greets the user, then captures video frames until the room is no
// longer connected or ctx is done. It returns after the answer consumer
// has stopped.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.logger.Infof("Room name: %s", o.room.Name())
	o.metrics.RecordSessionStart()
	defer o.metrics.RecordSessionEnd()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.consume(ctx)
	}()

	// the queue is empty here, so the greeting is always first
	o.pending.Add(1)
	o.queue <- core.NewEventPacket(&session.AnswerRequestedEvent{Text: o.config.Greeting, UseImage: true}, "greeting")
	close(o.ready)

	reason := o.mediaLoop(ctx)
	o.terminate()
	cancel()
	wg.Wait()
	o.drain()

	o.logger.Info("session terminated", "reason", reason)
	o.broadcast(&core.EndSessionEvent{Reason: reason})
	return nil
}

func (o *Orchestrator) terminate() {
	o.closeOnce.Do(func() {
		o.terminated.Store(true)
		close(o.done)
	})
}

// Dispatch translates a room event into an answer request and queues it.
// Events that carry nothing to answer are dropped. Dispatch blocks until
// the request is queued; before Run it waits for the greeting to be queued
// first. After the session terminated it returns ErrTerminated.
func (o *Orchestrator) Dispatch(ctx context.Context, ev *room.Event) error {
	if ev == nil {
		return nil
	}
	if o.terminated.Load() {
		return ErrTerminated
	}

	var (
		req answer.Request
		ok  bool
	)
	switch ev.Kind {
	case room.KindMessageReceived:
		req, ok = o.fromMessage(ev.MessageReceived)
	case room.KindFunctionCallsFinished:
		req, ok = o.fromFunctionCalls(ev.FunctionCallsFinished)
	default:
		o.logger.Warnf("Ignoring room event of kind %s", ev.Kind)
	}
	if !ok {
		o.metrics.RecordEvent(ev.Kind.String(), "ignored")
		return nil
	}
	o.metrics.RecordEvent(ev.Kind.String(), "queued")

	return o.enqueue(ctx, req, ev.GetId())
}

func (o *Orchestrator) fromMessage(msg *room.MessageReceived) (answer.Request, bool) {
	if msg == nil || msg.Message == "" {
		o.logger.Debug("Ignoring empty message")
		return answer.Request{}, false
	}
	return answer.Request{Text: msg.Message, UseImage: false}, true
}

func (o *Orchestrator) fromFunctionCalls(calls *room.FunctionCallsFinished) (answer.Request, bool) {
	if calls == nil || len(calls.CalledFunctions) == 0 {
		return answer.Request{}, false
	}
	userMsg, ok := calls.UserMsg()
	if !ok {
		o.logger.Warn("No user message found in function call arguments")
		return answer.Request{}, false
	}
	return answer.Request{Text: userMsg, UseImage: true}, true
}

func (o *Orchestrator) enqueue(ctx context.Context, req answer.Request, relayer string) error {
	select {
	case <-o.ready:
	case <-o.done:
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	}

	packet := core.NewEventPacket(&session.AnswerRequestedEvent{Text: req.Text, UseImage: req.UseImage}, relayer)
	select {
	case <-o.done:
		return ErrTerminated
	default:
	}
	o.pending.Add(1)
	select {
	case o.queue <- packet:
		return nil
	case <-o.done:
		o.pending.Add(-1)
		return ErrTerminated
	case <-ctx.Done():
		o.pending.Add(-1)
		return ctx.Err()
	}
}

// Pending counts queued and in-flight answer requests.
func (o *Orchestrator) Pending() int {
	return int(o.pending.Load())
}

func (o *Orchestrator) consume(ctx context.Context) {
	defer o.drain()
	for {
		select {
		case <-ctx.Done():
			return
		case packet := <-o.queue:
			if ctx.Err() != nil {
				o.pending.Add(-1)
				return
			}
			o.process(ctx, packet)
		}
	}
}

// drain drops requests still queued once the session is over.
func (o *Orchestrator) drain() {
	for {
		select {
		case packet := <-o.queue:
			o.pending.Add(-1)
			o.logger.Debugf("Dropping unanswered request %s", packet.Uid)
		default:
			return
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, packet *core.EventPacket) {
	defer o.pending.Add(-1)

	ev, ok := packet.Event.(*session.AnswerRequestedEvent)
	if !ok {
		o.logger.Warnf("Unexpected event %s on answer queue", packet.Event.GetId())
		return
	}

	out := o.answer(ctx, answer.Request{Text: ev.Text, UseImage: ev.UseImage})
	for i := 0; i < maxFollowUps && out.OK() && len(out.ToolCalls) > 0; i++ {
		if ctx.Err() != nil {
			return
		}
		calls := o.runTools(ctx, out.ToolCalls)
		req, ok := o.fromFunctionCalls(calls)
		if !ok {
			return
		}
		out = o.answer(ctx, req)
	}
}

func (o *Orchestrator) answer(ctx context.Context, req answer.Request) answer.Outcome {
	out := o.answerer.Answer(ctx, o.chat, req)

	o.metrics.RecordAnswer(out.OK(), out.UsedImage, out.Duration)
	if out.OK() {
		o.broadcast(&session.AnswerCompletedEvent{
			TurnID:     out.TurnID,
			Request:    req.Text,
			Text:       out.Text,
			UsedImage:  out.UsedImage,
			DurationMs: out.Duration.Milliseconds(),
		})
	} else {
		o.broadcast(&session.AnswerFailedEvent{
			TurnID:  out.TurnID,
			Request: req.Text,
			Error:   out.Err.Error(),
		})
	}
	return out
}

// runTools invokes the vision hook for image calls and reports every call
// as finished.
func (o *Orchestrator) runTools(ctx context.Context, toolCalls []core.ToolCall) *room.FunctionCallsFinished {
	called := make([]room.CalledFunction, 0, len(toolCalls))
	for _, call := range toolCalls {
		if call.Name == vision.ToolName && o.vision != nil {
			userMsg, _ := call.Arguments["user_msg"].(string)
			frame, err := o.vision.Image(ctx, userMsg)
			if err != nil {
				o.logger.With(map[string]interface{}{"error": err}).Warn("vision hook failed")
			} else if frame != nil {
				o.frames.Store(frame)
			}
		}
		called = append(called, room.CalledFunction{
			Name:     call.Name,
			CallInfo: room.CallInfo{Arguments: call.Arguments},
		})
	}
	return &room.FunctionCallsFinished{CalledFunctions: called}
}

func (o *Orchestrator) broadcast(event core.IExternalOutputEvent) {
	for _, observer := range o.observers {
		observer.Broadcast(event)
	}
}

// mediaLoop keeps the latest frame of the first available video track in
// the frame slot. It returns the reason the session ended.
func (o *Orchestrator) mediaLoop(ctx context.Context) string {
	acquirer := media.Acquirer{
		Timeout:      o.config.AcquireTimeout,
		PollInterval: o.config.PollInterval,
		Logger:       o.logger,
	}

	for {
		if ctx.Err() != nil {
			return "context done"
		}
		if state := o.room.ConnectionState(); state != core.ConnectionStateConnected {
			return "room " + state.String()
		}

		track := acquirer.Acquire(ctx, o.room)
		o.metrics.RecordTrackAcquisition(track != nil)
		if track == nil {
			if !o.sleep(ctx, o.config.RetryInterval) {
				return "context done"
			}
			continue
		}

		o.readFrames(ctx, track)
	}
}

// readFrames stores frames from track until it ends or the room stops
// being connected. A track that sends nothing must not hold the loop.
func (o *Orchestrator) readFrames(ctx context.Context, track core.Track) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go o.watchConnection(ctx, cancel)

	for {
		frame, err := track.ReadFrame(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				o.logger.With(map[string]interface{}{"error": err, "track_sid": track.SID()}).Warn("video track read failed")
			}
			return
		}
		if o.frames.Store(frame) {
			o.metrics.RecordFrame()
		}
		if o.room.ConnectionState() != core.ConnectionStateConnected {
			return
		}
	}
}

// watchConnection cancels the read as soon as the room leaves the
// connected state.
func (o *Orchestrator) watchConnection(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.room.ConnectionState() != core.ConnectionStateConnected {
				cancel()
				return
			}
		}
	}
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
