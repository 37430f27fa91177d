// Package session runs conversational turns: snapshot, assemble, call the
// model, parse, dispatch. One turn in flight per session; the model call is
// the only slow step and it happens with zero state written, so an abandoned
// turn leaves nothing behind.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"plotloom/internal/articulation"
	"plotloom/internal/config"
	"plotloom/internal/logging"
	"plotloom/internal/perception"
	"plotloom/internal/prompt"
	"plotloom/internal/store"
)

// ErrTurnInFlight means the session already has a running turn.
var ErrTurnInFlight = errors.New("a turn is already in flight for this session")

// ledgerSnapshotLimit bounds the ledger excerpt handed to the assembler; the
// tier policy trims it further.
const ledgerSnapshotLimit = 50

// TurnResult is what a completed turn produced.
type TurnResult struct {
	Message  string
	Thinking string
	Results  []articulation.Result
	Payload  prompt.Payload
}

// Executor orchestrates turns for all sessions.
type Executor struct {
	store      *store.LocalStore
	assembler  *prompt.Assembler
	llm        perception.LLMClient
	dispatcher *articulation.Dispatcher
	cfg        *config.Config
	resources  []prompt.ResourceHandle

	mu    sync.Mutex
	turns map[string]*sync.Mutex
}

func NewExecutor(st *store.LocalStore, assembler *prompt.Assembler, llm perception.LLMClient, dispatcher *articulation.Dispatcher, cfg *config.Config, resources []prompt.ResourceHandle) *Executor {
	return &Executor{
		store:      st,
		assembler:  assembler,
		llm:        llm,
		dispatcher: dispatcher,
		cfg:        cfg,
		resources:  resources,
		turns:      make(map[string]*sync.Mutex),
	}
}

func (e *Executor) turnLock(projectID, sessionID string) *sync.Mutex {
	key := projectID + "/" + sessionID
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.turns[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	e.turns[key] = l
	return l
}

// RunTurn executes one conversational turn.
//
// Until the model has responded, nothing is written: a timeout or
// cancellation surfaces as a retryable error with zero side effects, and
// retry is explicit because re-calling the model risks duplicate action
// application. After a successful response the conversation is recorded and
// the parsed actions dispatched.
func (e *Executor) RunTurn(ctx context.Context, projectID, sessionID, input string) (*TurnResult, error) {
	timer := logging.StartTimer(logging.CategorySession, "RunTurn")
	defer timer.StopWithInfo()

	turn := e.turnLock(projectID, sessionID)
	if !turn.TryLock() {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrTurnInFlight)
	}
	defer turn.Unlock()

	// Snapshot under the project lock so assembly sees a consistent pre- or
	// post-consolidation state.
	lock := e.store.Locks().Get(projectID)
	lock.Lock()
	wo, err := e.store.LoadWorkOrder(projectID)
	if err == nil {
		wo = wo.Clone()
	}
	var ledger []store.KBEntry
	var graph []store.Node
	var conversation []store.SessionEvent
	if err == nil {
		ledger, err = e.store.GetContext(projectID, ledgerSnapshotLimit)
	}
	if err == nil {
		graph, err = e.store.RankCentrality(projectID)
	}
	if err == nil {
		conversation, err = e.store.RecentEvents(projectID, sessionID, e.cfg.Prompt.MaxConversationTurns)
	}
	lock.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot project state: %w", err)
	}

	tier := prompt.ClassifyTier(e.cfg.LLM.ContextWindowTokens, e.cfg.LLM.StructuredReliability)
	payload, err := e.assembler.AssembleFit(prompt.Request{
		Tier:                tier,
		Mode:                wo.Mode,
		WorkOrder:           wo,
		Ledger:              ledger,
		Graph:               graph,
		Conversation:        conversation,
		Resources:           e.resources,
		UserInput:           input,
		ContextWindowTokens: e.cfg.LLM.ContextWindowTokens,
		ReplyReserveTokens:  e.cfg.Prompt.ReplyReserveTokens,
	})
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout())
	defer cancel()

	logging.Session("Turn started: project=%s session=%s mode=%s tier=%s tokens=%d",
		projectID, sessionID, wo.Mode, payload.Tier, payload.EstimatedTokens)

	raw, err := e.llm.Complete(callCtx, payload.Text)
	if err != nil {
		logging.Get(logging.CategorySession).Warn("Turn aborted with zero side effects: %v", err)
		return nil, err
	}

	parsed := articulation.Parse(raw)

	if _, err := e.store.AppendSessionEvent(projectID, sessionID, "user", input); err != nil {
		return nil, fmt.Errorf("failed to record user event: %w", err)
	}
	if _, err := e.store.AppendSessionEvent(projectID, sessionID, "assistant", parsed.Message); err != nil {
		return nil, fmt.Errorf("failed to record assistant event: %w", err)
	}

	results, err := e.dispatcher.Dispatch(ctx, projectID, parsed)
	if err != nil {
		return nil, fmt.Errorf("dispatch failed: %w", err)
	}

	logging.Session("Turn complete: project=%s session=%s actions=%d", projectID, sessionID, len(results))
	return &TurnResult{
		Message:  parsed.Message,
		Thinking: parsed.Thinking,
		Results:  results,
		Payload:  payload,
	}, nil
}
