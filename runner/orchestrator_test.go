package runner_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"alloy/core"
	"alloy/events/room"
	"alloy/handlers/answer"
	"alloy/handlers/media"
	"alloy/handlers/vision"
	"alloy/runner"
	"alloy/transports/memory"
)

type modelCall struct {
	text     string
	length   int
	hasImage bool
}

// scriptedModel records what the model was shown. reply picks the
// completion for the last user text; nil answers "ok".
type scriptedModel struct {
	delay time.Duration
	reply func(text string) core.Completion

	mu          sync.Mutex
	calls       []modelCall
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (m *scriptedModel) CreateCompletion(ctx context.Context, messages []core.ChatMessage, _ []core.ToolDefinition) (core.Completion, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		max := m.maxInFlight.Load()
		if n <= max || m.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}

	last := messages[len(messages)-1]
	m.mu.Lock()
	m.calls = append(m.calls, modelCall{text: last.Text(), length: len(messages), hasImage: last.HasImage()})
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return core.Completion{}, ctx.Err()
		}
	}
	if m.reply != nil {
		return m.reply(last.Text()), nil
	}
	return core.Completion{Text: "ok"}, nil
}

func (m *scriptedModel) Calls() []modelCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]modelCall, len(m.calls))
	copy(out, m.calls)
	return out
}

type recordingHook struct {
	mu   sync.Mutex
	msgs []string
}

func (h *recordingHook) Image(_ context.Context, userMsg string) (*core.VideoFrame, error) {
	h.mu.Lock()
	h.msgs = append(h.msgs, userMsg)
	h.mu.Unlock()
	return nil, nil
}

func (h *recordingHook) Messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.msgs...)
}

type recordingObserver struct {
	mu     sync.Mutex
	events []core.IExternalOutputEvent
}

func (o *recordingObserver) Broadcast(ev core.IExternalOutputEvent) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

func (o *recordingObserver) IDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, len(o.events))
	for i, ev := range o.events {
		ids[i] = ev.GetId()
	}
	return ids
}

func quietLogger() *core.Logger {
	return core.NewLogger(func(string, string, map[string]interface{}) {})
}

func userMsgCall(msg any) *room.Event {
	args := map[string]any{}
	if msg != nil {
		args["user_msg"] = msg
	}
	return room.NewFunctionCallsFinished([]room.CalledFunction{
		{Name: "image", CallInfo: room.CallInfo{Arguments: args}},
	})
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		rm       *memory.Room
		model    *scriptedModel
		hook     *recordingHook
		observer *recordingObserver
		slot     *media.FrameSlot
		orch     *runner.Orchestrator
		runErr   chan error
	)

	frame := &core.VideoFrame{Data: []byte{0xff, 0xd8}, MediaType: core.FrameMediaTypeJPEG}

	start := func() {
		pipeline := answer.NewPipeline(model, nil, slot, answer.DefaultConfig(), quietLogger())
		cfg := runner.Config{
			AcquireTimeout: 50 * time.Millisecond,
			PollInterval:   10 * time.Millisecond,
			RetryInterval:  20 * time.Millisecond,
		}
		orch = runner.NewOrchestrator(rm, pipeline, hook, cfg, quietLogger(),
			runner.WithFrameSlot(slot),
			runner.WithObserver(observer),
			runner.WithMetrics(runner.NewMetrics("test")),
		)
		runErr = make(chan error, 1)
		go func() { runErr <- orch.Run(ctx) }()
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		rm = memory.NewRoom("demo")
		model = &scriptedModel{}
		hook = &recordingHook{}
		observer = &recordingObserver{}
		slot = media.NewFrameSlot(0)
		runErr = nil
	})

	AfterEach(func() {
		cancel()
		if runErr != nil {
			Eventually(runErr).Should(Receive())
		}
	})

	Describe("greeting", func() {
		It("asks the model to greet with a context of system and user turns", func() {
			start()

			Eventually(model.Calls).Should(HaveLen(1))
			call := model.Calls()[0]
			Expect(call.text).To(Equal("Hi there! How can I help?"))
			Expect(call.length).To(Equal(2))

			Eventually(orch.Context).Should(HaveLen(3))
			Expect(orch.Context()[0].Role).To(Equal(core.ChatRoleSystem))
		})

		It("attaches the latest frame when one was captured", func() {
			slot.Store(frame)
			start()

			Eventually(model.Calls).Should(HaveLen(1))
			Expect(model.Calls()[0].hasImage).To(BeTrue())
		})

		It("is answered before any dispatched event", func() {
			pipeline := answer.NewPipeline(model, nil, slot, answer.DefaultConfig(), quietLogger())
			orch = runner.NewOrchestrator(rm, pipeline, hook, runner.Config{AcquireTimeout: 50 * time.Millisecond}, quietLogger())

			dispatched := make(chan error, 1)
			go func() { dispatched <- orch.Dispatch(ctx, room.NewMessageReceived("early", "u1")) }()
			Consistently(dispatched, 50*time.Millisecond).ShouldNot(Receive())

			runErr = make(chan error, 1)
			go func() { runErr <- orch.Run(ctx) }()

			Eventually(dispatched).Should(Receive(BeNil()))
			Eventually(model.Calls).Should(HaveLen(2))
			Expect(model.Calls()[0].text).To(Equal("Hi there! How can I help?"))
			Expect(model.Calls()[1].text).To(Equal("early"))
		})
	})

	Describe("Dispatch", func() {
		BeforeEach(func() {
			slot.Store(frame)
			start()
			Eventually(model.Calls).Should(HaveLen(1))
		})

		It("answers chat messages without the image", func() {
			Expect(orch.Dispatch(ctx, room.NewMessageReceived("what's up", "u1"))).To(Succeed())

			Eventually(model.Calls).Should(HaveLen(2))
			call := model.Calls()[1]
			Expect(call.text).To(Equal("what's up"))
			Expect(call.hasImage).To(BeFalse())
		})

		It("ignores empty chat messages", func() {
			Expect(orch.Dispatch(ctx, room.NewMessageReceived("", "u1"))).To(Succeed())
			Consistently(model.Calls, 100*time.Millisecond).Should(HaveLen(1))
		})

		It("answers finished function calls with the image", func() {
			Expect(orch.Dispatch(ctx, userMsgCall("what am I holding?"))).To(Succeed())

			Eventually(model.Calls).Should(HaveLen(2))
			call := model.Calls()[1]
			Expect(call.text).To(Equal("what am I holding?"))
			Expect(call.hasImage).To(BeTrue())
		})

		It("does not answer when user_msg is missing", func() {
			Eventually(orch.Context).Should(HaveLen(3))
			before := len(orch.Context())

			Expect(orch.Dispatch(ctx, userMsgCall(nil))).To(Succeed())
			Expect(orch.Dispatch(ctx, userMsgCall(42))).To(Succeed())
			Expect(orch.Dispatch(ctx, room.NewFunctionCallsFinished(nil))).To(Succeed())

			Consistently(model.Calls, 100*time.Millisecond).Should(HaveLen(1))
			Expect(orch.Context()).To(HaveLen(before))
		})

		It("broadcasts completed answers", func() {
			Expect(orch.Dispatch(ctx, room.NewMessageReceived("hello", "u1"))).To(Succeed())
			Eventually(observer.IDs).Should(Equal([]string{"session.answer_completed", "session.answer_completed"}))
		})
	})

	Describe("serialization", func() {
		It("runs one answer at a time and keeps turns paired", func() {
			model.delay = 20 * time.Millisecond
			start()

			var wg sync.WaitGroup
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					Expect(orch.Dispatch(ctx, room.NewMessageReceived("ping", "u1"))).To(Succeed())
				}()
			}
			wg.Wait()

			Eventually(model.Calls, 2*time.Second).Should(HaveLen(6))
			Expect(model.maxInFlight.Load()).To(Equal(int32(1)))

			Eventually(orch.Context).Should(HaveLen(13))
			Eventually(orch.Pending).Should(BeZero())
			history := orch.Context()
			for i := 1; i < len(history); i += 2 {
				Expect(history[i].Role).To(Equal(core.ChatRoleUser))
				Expect(history[i+1].Role).To(Equal(core.ChatRoleAssistant))
			}
		})
	})

	Describe("Context", func() {
		It("does not wait for the answer in flight", func() {
			model.delay = 5 * time.Second
			start()
			Eventually(model.Calls).Should(HaveLen(1))

			snapshot := make(chan []core.ChatMessage, 1)
			go func() { snapshot <- orch.Context() }()

			var history []core.ChatMessage
			Eventually(snapshot, 200*time.Millisecond).Should(Receive(&history))
			Expect(history).To(HaveLen(2))
			Expect(history[1].Text()).To(Equal("Hi there! How can I help?"))
		})
	})

	Describe("tool calls", func() {
		It("runs the vision hook and answers again with the image", func() {
			model.reply = func(text string) core.Completion {
				if text == "what do you see?" {
					return core.Completion{ToolCalls: []core.ToolCall{{
						ID:        "call_1",
						Name:      vision.ToolName,
						Arguments: map[string]any{"user_msg": "describe the scene"},
					}}}
				}
				return core.Completion{Text: "a desk"}
			}
			slot.Store(frame)
			start()
			Eventually(model.Calls).Should(HaveLen(1))

			Expect(orch.Dispatch(ctx, room.NewMessageReceived("what do you see?", "u1"))).To(Succeed())

			Eventually(model.Calls).Should(HaveLen(3))
			Expect(hook.Messages()).To(Equal([]string{"describe the scene"}))
			followUp := model.Calls()[2]
			Expect(followUp.text).To(Equal("describe the scene"))
			Expect(followUp.hasImage).To(BeTrue())
		})
	})

	Describe("media loop", func() {
		It("keeps the latest frame of the first video track", func() {
			start()
			track := memory.NewTrack("TR_video")
			rm.AddParticipant("alice").Publish("TR_video", core.TrackKindVideo, track)

			first := &core.VideoFrame{Data: []byte{1}}
			second := &core.VideoFrame{Data: []byte{2}}
			track.Push(first)
			track.Push(second)

			Eventually(slot.Latest).Should(BeIdenticalTo(second))
			Expect(second.TrackSID).To(Equal("TR_video"))
		})

		It("acquires a new track after the current one ends", func() {
			start()
			alice := rm.AddParticipant("alice")
			old := memory.NewTrack("TR_old")
			alice.Publish("TR_old", core.TrackKindVideo, old)
			old.Push(&core.VideoFrame{Data: []byte{1}})
			Eventually(slot.Stored).Should(BeEquivalentTo(1))

			alice.Unpublish("TR_old")
			next := memory.NewTrack("TR_new")
			alice.Publish("TR_new", core.TrackKindVideo, next)
			latest := &core.VideoFrame{Data: []byte{2}}
			next.Push(latest)

			Eventually(slot.Latest).Should(BeIdenticalTo(latest))
		})
	})

	Describe("termination", func() {
		It("stops when the room disconnects", func() {
			start()
			Eventually(model.Calls).Should(HaveLen(1))

			rm.Disconnect()

			Eventually(runErr, time.Second).Should(Receive(BeNil()))
			runErr = nil
			Expect(orch.Terminated()).To(BeTrue())
			Expect(orch.Done()).To(BeClosed())

			err := orch.Dispatch(ctx, room.NewMessageReceived("too late", "u1"))
			Expect(errors.Is(err, runner.ErrTerminated)).To(BeTrue())
			Consistently(model.Calls, 50*time.Millisecond).Should(HaveLen(1))
			Eventually(observer.IDs).Should(ContainElement("shared.end_session"))
		})

		It("stops when the room disconnects while a track is idle", func() {
			start()
			rm.AddParticipant("alice").Publish("TR_idle", core.TrackKindVideo, memory.NewTrack("TR_idle"))
			Eventually(model.Calls).Should(HaveLen(1))
			time.Sleep(100 * time.Millisecond)

			rm.Disconnect()

			Eventually(runErr, time.Second).Should(Receive(BeNil()))
			runErr = nil
			Expect(orch.Terminated()).To(BeTrue())
		})

		It("drops queued requests when the context is cancelled", func() {
			model.delay = 5 * time.Second
			start()
			Eventually(model.Calls).Should(HaveLen(1))
			for i := 0; i < 3; i++ {
				Expect(orch.Dispatch(ctx, room.NewMessageReceived("ping", "u1"))).To(Succeed())
			}
			Expect(orch.Pending()).To(Equal(4))

			cancel()

			Eventually(runErr, time.Second).Should(Receive(BeNil()))
			runErr = nil
			Expect(orch.Pending()).To(BeZero())
			Expect(model.Calls()).To(HaveLen(1))
		})

		It("stops when the context is cancelled", func() {
			start()
			cancel()

			Eventually(runErr, time.Second).Should(Receive(BeNil()))
			runErr = nil
			Expect(orch.Terminated()).To(BeTrue())
		})

		It("refuses to run twice", func() {
			start()
			Eventually(model.Calls).Should(HaveLen(1))
			Expect(orch.Run(ctx)).To(MatchError(runner.ErrAlreadyRunning))
		})
	})
})
