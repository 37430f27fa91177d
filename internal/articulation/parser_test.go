package articulation

import "testing"

func TestParsePlainTextIsMessage(t *testing.T) {
	resp := Parse("plain text with no tags")
	if resp.Message != "plain text with no tags" {
		t.Errorf("expected whole reply as message, got %q", resp.Message)
	}
	if len(resp.Actions) != 0 {
		t.Errorf("expected zero actions, got %d", len(resp.Actions))
	}
}

func TestParseFullReply(t *testing.T) {
	raw := `<thinking>the author settled the flaw</thinking>
<message>Noted, Elena's flaw is locked in.</message>
<action type="save_decision">{"category": "character", "key": "elena_fatal_flaw", "value": "distrust"}</action>
<action type="update_template">{"template": "Character Dossiers", "status": "in_progress"}</action>`

	resp := Parse(raw)
	if resp.Thinking != "the author settled the flaw" {
		t.Errorf("thinking not extracted: %q", resp.Thinking)
	}
	if resp.Message != "Noted, Elena's flaw is locked in." {
		t.Errorf("message not extracted: %q", resp.Message)
	}
	if len(resp.Actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(resp.Actions))
	}
	if resp.Actions[0].Type != ActionSaveDecision {
		t.Errorf("wrong action type: %s", resp.Actions[0].Type)
	}
	if resp.Actions[0].Params["key"] != "elena_fatal_flaw" {
		t.Errorf("action params not decoded: %v", resp.Actions[0].Params)
	}
}

func TestParseMalformedActionDropped(t *testing.T) {
	raw := `<message>two actions, one broken</message>
<action type="save_decision">{not valid json</action>
<action type="note">{"notebook": "architect", "text": "keep this"}</action>`

	resp := Parse(raw)
	if len(resp.Actions) != 1 {
		t.Fatalf("expected malformed action dropped, valid one kept; got %d", len(resp.Actions))
	}
	if resp.Actions[0].Type != ActionNote {
		t.Errorf("wrong surviving action: %s", resp.Actions[0].Type)
	}
	if resp.Message != "two actions, one broken" {
		t.Errorf("message lost alongside the bad action: %q", resp.Message)
	}
}

func TestParseNoMessageTagStripsOtherTags(t *testing.T) {
	raw := `<thinking>private</thinking>
Here is the actual reply text.
<action type="consolidate">{}</action>`

	resp := Parse(raw)
	if resp.Message != "Here is the actual reply text." {
		t.Errorf("expected untagged remainder as message, got %q", resp.Message)
	}
	if len(resp.Actions) != 1 {
		t.Errorf("action lost: %d", len(resp.Actions))
	}
}

func TestParseContentUpdate(t *testing.T) {
	raw := `<message>rewrote the bible</message>
<content_update target="story_bible">Premise: a salvage pilot finds a ghost ship.</content_update>`

	resp := Parse(raw)
	if len(resp.ContentUpdates) != 1 {
		t.Fatalf("expected 1 content update, got %d", len(resp.ContentUpdates))
	}
	cu := resp.ContentUpdates[0]
	if cu.Target != "story_bible" || cu.Content != "Premise: a salvage pilot finds a ghost ship." {
		t.Errorf("content update malformed: %+v", cu)
	}
}

func TestParseEmptyActionBody(t *testing.T) {
	resp := Parse(`<message>m</message><action type="consolidate"></action>`)
	if len(resp.Actions) != 1 || resp.Actions[0].Type != ActionConsolidate {
		t.Errorf("empty-body action should parse with empty params: %+v", resp.Actions)
	}
}

func TestValidateAction(t *testing.T) {
	good := Action{Type: ActionSaveDecision, Params: map[string]interface{}{
		"category": "character", "key": "k", "value": "v",
	}}
	if err := ValidateAction(good, "ARCHITECT"); err != nil {
		t.Errorf("valid action rejected: %v", err)
	}

	missing := Action{Type: ActionSaveDecision, Params: map[string]interface{}{"key": "k"}}
	if err := ValidateAction(missing, "ARCHITECT"); err == nil {
		t.Error("expected error for missing required params")
	}

	unknown := Action{Type: "launch_sequel", Params: map[string]interface{}{}}
	if err := ValidateAction(unknown, "ARCHITECT"); err == nil {
		t.Error("expected error for unknown action type")
	}

	research := Action{Type: ActionResearchQuery, Params: map[string]interface{}{
		"resource_id": "naval_history", "query": "rigging terms",
	}}
	if err := ValidateAction(research, "DIRECTOR"); err != nil {
		t.Errorf("research should be allowed in DIRECTOR: %v", err)
	}
	if err := ValidateAction(research, "EDITOR"); err == nil {
		t.Error("research should be mode-disallowed in EDITOR")
	}
}
