package main

import (
	"testing"

	"alloy/events/room"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConsoleLine(t *testing.T) {
	assert.Nil(t, parseConsoleLine("   "))

	ev := parseConsoleLine("  hello there ")
	require.NotNil(t, ev)
	assert.Equal(t, room.KindMessageReceived, ev.Kind)
	assert.Equal(t, "hello there", ev.MessageReceived.Message)
	assert.Equal(t, "console", ev.MessageReceived.Sender)

	ev = parseConsoleLine("/look what am I holding?")
	require.NotNil(t, ev)
	assert.Equal(t, room.KindFunctionCallsFinished, ev.Kind)
	msg, ok := ev.FunctionCallsFinished.UserMsg()
	assert.True(t, ok)
	assert.Equal(t, "what am I holding?", msg)

	ev = parseConsoleLine("/look")
	_, ok = ev.FunctionCallsFinished.UserMsg()
	assert.False(t, ok)
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"settings", "room", "env-file", "debug"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["console"])
	assert.True(t, names["token"])
}
