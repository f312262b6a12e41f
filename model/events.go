package model

// OutputEventKind discriminates the internal events produced by a worker
// stream after translation from raw agent events.
type OutputEventKind int

const (
	// EventTextLine is one line of agent text output.
	EventTextLine OutputEventKind = iota
	// EventToolAction is a formatted tool invocation, shown in the rolling
	// status post.
	EventToolAction
	// EventProcessingStarted opens a new agent turn; carries the input token
	// count seen so far.
	EventProcessingStarted
	// EventResponseComplete closes an agent turn with final token counters.
	EventResponseComplete
	// EventProcessDied reports abnormal worker termination.
	EventProcessDied
	// EventTitleGenerated carries a captured session title.
	EventTitleGenerated
)

// OutputEvent is the pipeline-facing event for one session's stream.
type OutputEvent struct {
	Kind OutputEventKind

	// Text holds the line for EventTextLine, the action string for
	// EventToolAction, the title for EventTitleGenerated, and the error
	// message for EventProcessDied.
	Text string

	// InputTokens / OutputTokens are set on EventProcessingStarted and
	// EventResponseComplete.
	InputTokens  int
	OutputTokens int

	// ExitCode is set on EventProcessDied.
	ExitCode int
}
