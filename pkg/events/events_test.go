package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterDeliversInOrder(t *testing.T) {
	e := NewEmitter(8)
	e.Publish(Event{Type: TypeNodeStart, RunID: "r"})
	e.Publish(Event{Type: TypeChunk, RunID: "r", Chunk: "hi"})
	e.Finish(Event{Type: TypeComplete, RunID: "r"})

	var got []Type
	for ev := range e.Events() {
		got = append(got, ev.Type)
	}
	assert.Equal(t, []Type{TypeNodeStart, TypeChunk, TypeComplete}, got)
}

func TestEmitterDropsProgressWhenFull(t *testing.T) {
	e := NewEmitter(1)
	e.Publish(Event{Type: TypeNodeStart})
	e.Publish(Event{Type: TypeNodeProgress}) // buffer full, dropped

	first := <-e.Events()
	assert.Equal(t, TypeNodeStart, first.Type)

	e.Finish(Event{Type: TypeComplete})
	var got []Type
	for ev := range e.Events() {
		got = append(got, ev.Type)
	}
	require.Equal(t, []Type{TypeComplete}, got, "terminal event survives, progress is dropped")
}

func TestEmitterIgnoresAfterFinish(t *testing.T) {
	e := NewEmitter(4)
	e.Finish(Event{Type: TypeError, Error: "boom"})
	e.Publish(Event{Type: TypeChunk})
	e.Finish(Event{Type: TypeComplete})

	var got []Event
	for ev := range e.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, TypeError, got[0].Type)
}

func TestTerminal(t *testing.T) {
	assert.True(t, Event{Type: TypeComplete}.Terminal())
	assert.True(t, Event{Type: TypeError}.Terminal())
	assert.False(t, Event{Type: TypeChunk}.Terminal())
	assert.False(t, Event{Type: TypeNodeStart}.Terminal())
}
