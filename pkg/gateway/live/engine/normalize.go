package engine

import (
	"strings"

	"google.golang.org/genai"
)

// normalizeServerMessage maps one engine message onto canonical events. A
// message with nothing recognizable yields no events.
func normalizeServerMessage(msg *genai.LiveServerMessage) []Event {
	if msg == nil {
		return nil
	}
	var out []Event
	if sc := msg.ServerContent; sc != nil {
		if tr := sc.InputTranscription; tr != nil && strings.TrimSpace(tr.Text) != "" {
			out = append(out, PartialTranscript{Text: tr.Text})
		}
		if sc.ModelTurn != nil {
			var b strings.Builder
			for _, part := range sc.ModelTurn.Parts {
				if part == nil || part.Thought {
					continue
				}
				b.WriteString(part.Text)
			}
			if strings.TrimSpace(b.String()) != "" {
				out = append(out, AgentUtterance{Text: b.String()})
			}
		}
		if tr := sc.OutputTranscription; tr != nil && strings.TrimSpace(tr.Text) != "" {
			out = append(out, AgentUtterance{Text: tr.Text})
		}
	}
	if tc := msg.ToolCall; tc != nil {
		for _, fc := range tc.FunctionCalls {
			if fc == nil {
				continue
			}
			args := fc.Args
			if args == nil {
				args = map[string]any{}
			}
			out = append(out, ToolCall{Name: fc.Name, Args: args, CorrelationID: fc.ID})
		}
	}
	return out
}

// describeServerMessage names the populated fields of an unrecognized
// message for logging.
func describeServerMessage(msg *genai.LiveServerMessage) []string {
	if msg == nil {
		return nil
	}
	var fields []string
	if msg.SetupComplete != nil {
		fields = append(fields, "setup_complete")
	}
	if sc := msg.ServerContent; sc != nil {
		if sc.TurnComplete {
			fields = append(fields, "turn_complete")
		}
		if sc.Interrupted {
			fields = append(fields, "interrupted")
		}
		if sc.GenerationComplete {
			fields = append(fields, "generation_complete")
		}
	}
	if msg.ToolCallCancellation != nil {
		fields = append(fields, "tool_call_cancellation")
	}
	if msg.GoAway != nil {
		fields = append(fields, "go_away")
	}
	if msg.UsageMetadata != nil {
		fields = append(fields, "usage_metadata")
	}
	return fields
}
