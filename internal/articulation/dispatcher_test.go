package articulation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plotloom/internal/store"
	"plotloom/internal/workorder"
)

type fakeResearch struct {
	answer string
	calls  int
}

func (f *fakeResearch) Research(ctx context.Context, resourceID, query string) (string, []string, error) {
	f.calls++
	return f.answer, []string{resourceID}, nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.LocalStore, *fakeResearch) {
	t.Helper()
	st, err := store.NewLocalStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	research := &fakeResearch{answer: "square-rigged ships use ratlines"}
	return NewDispatcher(st, research, nil, nil), st, research
}

func TestDispatchSaveDecision(t *testing.T) {
	d, st, _ := newTestDispatcher(t)

	resp := Parse(`<message>locked in</message>
<action type="save_decision">{"category": "character", "key": "elena_fatal_flaw", "value": "distrust"}</action>`)

	results, err := d.Dispatch(context.Background(), "p1", resp)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)

	entries, err := st.GetContext("p1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "distrust", entries[0].Value)
	assert.Equal(t, "session", entries[0].Source)
}

func TestDispatchIdempotent(t *testing.T) {
	d, st, _ := newTestDispatcher(t)

	resp := Parse(`<message>m</message>
<action type="save_decision">{"category": "world", "key": "capital", "value": "Meridian"}</action>
<action type="note">{"notebook": "architect", "text": "capital locked"}</action>`)

	_, err := d.Dispatch(context.Background(), "p1", resp)
	require.NoError(t, err)
	_, err = d.Dispatch(context.Background(), "p1", resp)
	require.NoError(t, err)

	entries, _ := st.GetContext("p1", 10)
	assert.Len(t, entries, 1, "re-dispatch must not duplicate ledger state")

	wo, _ := st.LoadWorkOrder("p1")
	assert.Equal(t, "capital locked", wo.Notebooks["architect"], "re-dispatch must not duplicate notes")
}

func TestDispatchInvalidActionSkipped(t *testing.T) {
	d, st, _ := newTestDispatcher(t)

	resp := ParsedResponse{Actions: []Action{
		{Type: "unknown_thing", Params: map[string]interface{}{}},
		{Type: ActionSaveDecision, Params: map[string]interface{}{
			"category": "world", "key": "capital", "value": "Meridian",
		}},
	}}

	results, err := d.Dispatch(context.Background(), "p1", resp)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)

	entries, _ := st.GetContext("p1", 10)
	assert.Len(t, entries, 1, "valid action must still apply")
}

func TestDispatchAdvanceDeniedLeavesMode(t *testing.T) {
	d, st, _ := newTestDispatcher(t)

	resp := ParsedResponse{Actions: []Action{
		{Type: ActionAdvanceMode, Params: map[string]interface{}{"target": "VOICE_CALIBRATION"}},
	}}
	results, err := d.Dispatch(context.Background(), "p1", resp)
	require.NoError(t, err)
	require.Len(t, results, 1)

	var denied *workorder.TransitionDenied
	require.ErrorAs(t, results[0].Err, &denied)

	wo, _ := st.LoadWorkOrder("p1")
	assert.Equal(t, workorder.ModeArchitect, wo.Mode)
}

func TestDispatchOverridePersistsAuditTrail(t *testing.T) {
	d, st, _ := newTestDispatcher(t)

	resp := ParsedResponse{Actions: []Action{
		{Type: ActionOverrideMode, Params: map[string]interface{}{
			"target": "DIRECTOR", "reason": "author insists",
		}},
	}}
	results, err := d.Dispatch(context.Background(), "p1", resp)
	require.NoError(t, err)
	assert.NoError(t, results[0].Err)

	wo, _ := st.LoadWorkOrder("p1")
	assert.Equal(t, workorder.ModeDirector, wo.Mode)
	require.Len(t, wo.Overrides, 1)
	assert.Equal(t, "author insists", wo.Overrides[0].Reason)
}

func TestDispatchUpdateTemplateRecomputesCompletion(t *testing.T) {
	d, st, _ := newTestDispatcher(t)

	resp := ParsedResponse{Actions: []Action{
		{Type: ActionUpdateTemplate, Params: map[string]interface{}{
			"template": "Story Bible", "status": "complete",
		}},
		{Type: ActionUpdateTemplate, Params: map[string]interface{}{
			"template": "Beat Sheet", "status": "in_progress",
			"missing_fields": []interface{}{"beats 11-15"},
		}},
	}}
	results, err := d.Dispatch(context.Background(), "p1", resp)
	require.NoError(t, err)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)

	wo, _ := st.LoadWorkOrder("p1")
	assert.InDelta(t, 100.0/7.0, wo.CompletionPercentage(), 0.01)
}

func TestDispatchResearchWritesLedgerEntry(t *testing.T) {
	d, st, research := newTestDispatcher(t)

	resp := ParsedResponse{Actions: []Action{
		{Type: ActionResearchQuery, Params: map[string]interface{}{
			"resource_id": "naval_history", "query": "what are ratlines",
		}},
	}}
	results, err := d.Dispatch(context.Background(), "p1", resp)
	require.NoError(t, err)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 1, research.calls)

	entries, _ := st.GetContext("p1", 10)
	require.Len(t, entries, 1)
	assert.Equal(t, "external_query", entries[0].Source)
	assert.Contains(t, entries[0].Value, "ratlines")
}

func TestDispatchProtectedLedgerEntrySurfacesPerAction(t *testing.T) {
	d, st, _ := newTestDispatcher(t)

	require.NoError(t, st.SaveDecision("p1", store.CategoryCharacter, "elena_fatal_flaw", "distrust", ""))
	require.NoError(t, st.MarkPromoted("p1", "elena_fatal_flaw"))

	resp := ParsedResponse{Actions: []Action{
		{Type: ActionSaveDecision, Params: map[string]interface{}{
			"category": "character", "key": "elena_fatal_flaw", "value": "recklessness",
		}},
	}}
	results, err := d.Dispatch(context.Background(), "p1", resp)
	require.NoError(t, err, "a rejected write is a per-action outcome, not a turn failure")
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)

	entries, _ := st.GetContext("p1", 10)
	assert.Equal(t, "distrust", entries[0].Value, "promoted entry must stand")
}

func TestDispatchConsolidateTrigger(t *testing.T) {
	st, err := store.NewLocalStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var requested []string
	d := NewDispatcher(st, nil, nil, func(projectID string) {
		requested = append(requested, projectID)
	})

	resp := ParsedResponse{Actions: []Action{
		{Type: ActionConsolidate, Params: map[string]interface{}{}},
	}}
	_, err = d.Dispatch(context.Background(), "p1", resp)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, requested)
}
