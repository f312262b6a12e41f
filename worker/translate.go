package worker

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dockhand-dev/dockhand/model"
)

// Translate maps one agent event onto zero or more output events. Partial
// text, tool results, and subagent markers never reach the pipeline.
func Translate(ev AgentEvent, log *zap.Logger) []model.OutputEvent {
	switch ev.Kind {
	case "text":
		if ev.IsPartial {
			return nil
		}
		var out []model.OutputEvent
		for _, line := range strings.Split(ev.Text, "\n") {
			out = append(out, model.OutputEvent{Kind: model.EventTextLine, Text: line})
		}
		return out

	case "tool_use":
		return []model.OutputEvent{{
			Kind: model.EventToolAction,
			Text: FormatToolAction(ev.ToolName, ev.ToolInput),
		}}

	case "tool_result":
		return nil

	case "subagent":
		log.Debug("subagent phase",
			zap.String("phase", ev.SubagentPhase), zap.String("name", ev.SubagentName))
		return nil

	case "result":
		out := []model.OutputEvent{{
			Kind:        model.EventProcessingStarted,
			InputTokens: ev.InputTokens,
		}}
		if ev.IsError {
			return append(out, model.OutputEvent{
				Kind:     model.EventProcessDied,
				Text:     "agent turn failed",
				ExitCode: 1,
			})
		}
		return append(out, model.OutputEvent{
			Kind:         model.EventResponseComplete,
			InputTokens:  ev.InputTokens,
			OutputTokens: ev.OutputTokens,
		})

	case "error":
		return []model.OutputEvent{{
			Kind:     model.EventProcessDied,
			Text:     ev.ErrorType + ": " + ev.ErrorMessage,
			ExitCode: 1,
		}}

	case "title":
		return []model.OutputEvent{{Kind: model.EventTitleGenerated, Text: ev.Text}}

	default:
		log.Debug("unknown agent event", zap.String("kind", ev.Kind))
		return nil
	}
}

// FormatToolAction renders a tool invocation as a one-line summary for the
// rolling status post. Well-known tools show their most telling argument;
// everything else shows the tool name alone.
func FormatToolAction(name string, input json.RawMessage) string {
	var args map[string]interface{}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &args)
	}

	detail := ""
	switch name {
	case "Bash":
		detail, _ = args["command"].(string)
	case "Read", "Write", "Edit":
		detail, _ = args["file_path"].(string)
	case "Glob", "Grep":
		detail, _ = args["pattern"].(string)
	case "WebFetch":
		detail, _ = args["url"].(string)
	case "Task":
		detail, _ = args["description"].(string)
	}
	if detail == "" {
		return name
	}
	detail = strings.ReplaceAll(detail, "\n", " ")
	return fmt.Sprintf("%s: %s", name, model.Truncate(detail, 120))
}
