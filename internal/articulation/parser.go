// Package articulation turns free-text model replies into validated state
// mutations: a tolerant tag parser and a schema-checked action dispatcher.
package articulation

import (
	"encoding/json"
	"regexp"
	"strings"

	"plotloom/internal/logging"
)

// Action is one state mutation requested by the model.
type Action struct {
	Type   string
	Params map[string]interface{}
}

// ContentUpdate is a wholesale rewrite of a named working document.
type ContentUpdate struct {
	Target  string
	Content string
}

// ParsedResponse is the structured view of a model reply.
type ParsedResponse struct {
	Thinking       string
	Message        string
	Actions        []Action
	ContentUpdates []ContentUpdate
}

var (
	thinkingRe = regexp.MustCompile(`(?s)<thinking>(.*?)</thinking>`)
	messageRe  = regexp.MustCompile(`(?s)<message>(.*?)</message>`)
	actionRe   = regexp.MustCompile(`(?s)<action\s+type="([^"]+)"\s*>(.*?)</action>`)
	contentRe  = regexp.MustCompile(`(?s)<content_update\s+target="([^"]+)"\s*>(.*?)</content_update>`)
)

// Parse extracts the tag vocabulary from a raw reply. It never hard-fails:
// a reply with no recognizable tags comes back whole as the message with zero
// actions, and a malformed action is dropped with a warning while the rest of
// the reply still parses.
func Parse(raw string) ParsedResponse {
	timer := logging.StartTimer(logging.CategoryParser, "Parse")
	defer timer.Stop()

	var resp ParsedResponse

	if m := thinkingRe.FindStringSubmatch(raw); m != nil {
		resp.Thinking = strings.TrimSpace(m[1])
	}

	for _, m := range actionRe.FindAllStringSubmatch(raw, -1) {
		actionType := m[1]
		body := strings.TrimSpace(m[2])

		params := make(map[string]interface{})
		if body != "" {
			if err := json.Unmarshal([]byte(body), &params); err != nil {
				logging.Get(logging.CategoryParser).Warn("Dropping malformed %s action: %v", actionType, err)
				continue
			}
		}
		resp.Actions = append(resp.Actions, Action{Type: actionType, Params: params})
	}

	for _, m := range contentRe.FindAllStringSubmatch(raw, -1) {
		resp.ContentUpdates = append(resp.ContentUpdates, ContentUpdate{
			Target:  m[1],
			Content: strings.TrimSpace(m[2]),
		})
	}

	if m := messageRe.FindStringSubmatch(raw); m != nil {
		resp.Message = strings.TrimSpace(m[1])
	} else {
		// No message tag: everything outside the recognized tags is the
		// message. A fully untagged reply passes through verbatim.
		stripped := raw
		for _, re := range []*regexp.Regexp{thinkingRe, actionRe, contentRe} {
			stripped = re.ReplaceAllString(stripped, "")
		}
		resp.Message = strings.TrimSpace(stripped)
	}

	logging.ParserDebug("Parsed reply: message=%d chars, %d action(s), %d content update(s)",
		len(resp.Message), len(resp.Actions), len(resp.ContentUpdates))
	return resp
}
