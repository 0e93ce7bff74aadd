package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserMsg(t *testing.T) {
	cases := []struct {
		name  string
		calls []CalledFunction
		want  string
		ok    bool
	}{
		{name: "no calls"},
		{name: "no arguments", calls: []CalledFunction{{Name: "image"}}},
		{
			name:  "non string",
			calls: []CalledFunction{{CallInfo: CallInfo{Arguments: map[string]any{"user_msg": 3}}}},
		},
		{
			name:  "empty string",
			calls: []CalledFunction{{CallInfo: CallInfo{Arguments: map[string]any{"user_msg": ""}}}},
		},
		{
			name: "first call wins",
			calls: []CalledFunction{
				{CallInfo: CallInfo{Arguments: map[string]any{"user_msg": "what do you see"}}},
				{CallInfo: CallInfo{Arguments: map[string]any{"user_msg": "second"}}},
			},
			want: "what do you see",
			ok:   true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := NewFunctionCallsFinished(tc.calls)
			got, ok := ev.FunctionCallsFinished.UserMsg()
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEventIds(t *testing.T) {
	assert.Equal(t, "room.message_received", NewMessageReceived("hi", "p1").GetId())
	assert.Equal(t, "room.function_calls_finished", NewFunctionCallsFinished(nil).GetId())
}
