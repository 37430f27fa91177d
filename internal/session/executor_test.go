package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plotloom/internal/articulation"
	"plotloom/internal/config"
	"plotloom/internal/perception"
	"plotloom/internal/prompt"
	"plotloom/internal/store"
)

// scriptedLLM returns a fixed reply, or the given error.
type scriptedLLM struct {
	reply string
	err   error
	calls int
	mu    sync.Mutex
	block chan struct{}
}

func (s *scriptedLLM) Complete(ctx context.Context, p string) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.block != nil {
		<-s.block
	}
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func (s *scriptedLLM) CompleteWithSystem(ctx context.Context, sys, p string) (string, error) {
	return s.Complete(ctx, p)
}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestExecutor(t *testing.T, llm perception.LLMClient) (*Executor, *store.LocalStore) {
	t.Helper()
	st, err := store.NewLocalStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	corpus, err := prompt.DefaultCorpus()
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	dispatcher := articulation.NewDispatcher(st, nil, nil, nil)
	return NewExecutor(st, prompt.NewAssembler(corpus), llm, dispatcher, cfg, nil), st
}

func TestRunTurnAppliesActions(t *testing.T) {
	llm := &scriptedLLM{reply: `<message>Flaw locked in.</message>
<action type="save_decision">{"category": "character", "key": "elena_fatal_flaw", "value": "distrust"}</action>`}
	e, st := newTestExecutor(t, llm)

	res, err := e.RunTurn(context.Background(), "p1", "s1", "her flaw is distrust")
	require.NoError(t, err)
	assert.Equal(t, "Flaw locked in.", res.Message)
	require.Len(t, res.Results, 1)
	assert.NoError(t, res.Results[0].Err)

	entries, _ := st.GetContext("p1", 10)
	require.Len(t, entries, 1)
	assert.Equal(t, "distrust", entries[0].Value)

	// Both sides of the exchange were recorded for consolidation.
	events, _ := st.UncommittedEvents("p1", 10)
	require.Len(t, events, 2)
	assert.Equal(t, "user", events[0].Role)
	assert.Equal(t, "assistant", events[1].Role)
}

func TestRunTurnModelFailureHasZeroSideEffects(t *testing.T) {
	llm := &scriptedLLM{err: fmt.Errorf("model call timed out: %w", perception.ErrRetryable)}
	e, st := newTestExecutor(t, llm)
	st.LoadWorkOrder("p1")

	_, err := e.RunTurn(context.Background(), "p1", "s1", "hello")
	require.ErrorIs(t, err, perception.ErrRetryable)

	events, _ := st.UncommittedEvents("p1", 10)
	assert.Empty(t, events, "failed turn must record nothing")
	entries, _ := st.GetContext("p1", 10)
	assert.Empty(t, entries)

	// No automatic retry happened.
	assert.Equal(t, 1, llm.callCount())
}

func TestRunTurnOnePerSession(t *testing.T) {
	llm := &scriptedLLM{reply: "<message>ok</message>", block: make(chan struct{})}
	e, _ := newTestExecutor(t, llm)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := e.RunTurn(context.Background(), "p1", "s1", "first")
		done <- err
	}()
	<-started
	for llm.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	_, err := e.RunTurn(context.Background(), "p1", "s1", "second")
	assert.ErrorIs(t, err, ErrTurnInFlight)

	// A different session is not blocked.
	llm2 := &scriptedLLM{reply: "<message>ok</message>"}
	e2, _ := newTestExecutor(t, llm2)
	_, err = e2.RunTurn(context.Background(), "p1", "other", "hi")
	assert.NoError(t, err)

	close(llm.block)
	require.NoError(t, <-done)
}

func TestRunTurnUntaggedReplyStillRecorded(t *testing.T) {
	llm := &scriptedLLM{reply: "just plain prose, no tags"}
	e, st := newTestExecutor(t, llm)

	res, err := e.RunTurn(context.Background(), "p1", "s1", "talk to me")
	require.NoError(t, err)
	assert.Equal(t, "just plain prose, no tags", res.Message)
	assert.Empty(t, res.Results)

	events, _ := st.UncommittedEvents("p1", 10)
	assert.Len(t, events, 2)
}
