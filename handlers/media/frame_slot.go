package media

import (
	"sync/atomic"

	"alloy/core"

	"golang.org/x/time/rate"
)

// FrameSlot holds the latest captured frame. One goroutine stores, any
// number read.
type FrameSlot struct {
	latest  atomic.Pointer[core.VideoFrame]
	limiter *rate.Limiter
	stored  atomic.Uint64
}

// NewFrameSlot creates a slot that keeps at most maxPerSecond frames per
// second. Zero or less keeps every frame.
func NewFrameSlot(maxPerSecond float64) *FrameSlot {
	s := &FrameSlot{}
	if maxPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(maxPerSecond), 1)
	}
	return s
}

// Store replaces the current frame. It reports false when the frame was
// skipped by sampling.
func (s *FrameSlot) Store(frame *core.VideoFrame) bool {
	if frame == nil {
		return false
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return false
	}
	s.latest.Store(frame)
	s.stored.Add(1)
	return true
}

// Latest returns the most recent frame or nil.
func (s *FrameSlot) Latest() *core.VideoFrame {
	return s.latest.Load()
}

func (s *FrameSlot) Clear() {
	s.latest.Store(nil)
}

// Stored counts frames kept since creation.
func (s *FrameSlot) Stored() uint64 {
	return s.stored.Load()
}
