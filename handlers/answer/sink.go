package answer

import (
	"context"
	"errors"
)

// SinkFunc adapts a function to OutputSink.
type SinkFunc func(ctx context.Context, text string) error

func (f SinkFunc) Speak(ctx context.Context, text string) error {
	return f(ctx, text)
}

// MultiSink speaks to every sink in order and joins their errors.
type MultiSink []OutputSink

func (m MultiSink) Speak(ctx context.Context, text string) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Speak(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
