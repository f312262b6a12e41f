package pipeline

import "strings"

// MarkerKind identifies an in-band control line in the agent's output.
type MarkerKind int

const (
	MarkerNone MarkerKind = iota
	MarkerNetworkRequest
	MarkerCreateSession
	MarkerCreateReviewer
	MarkerSessionStatus
	MarkerStopSession
)

// Marker is a parsed control line. Arg is empty for [SESSION_STATUS].
type Marker struct {
	Kind MarkerKind
	Arg  string
}

// OrchestratorOnly reports whether the marker is honored only in
// orchestrator sessions.
func (m Marker) OrchestratorOnly() bool {
	switch m.Kind {
	case MarkerCreateSession, MarkerCreateReviewer, MarkerSessionStatus, MarkerStopSession:
		return true
	}
	return false
}

var markerTags = map[string]MarkerKind{
	"NETWORK_REQUEST": MarkerNetworkRequest,
	"CREATE_SESSION":  MarkerCreateSession,
	"CREATE_REVIEWER": MarkerCreateReviewer,
	"STOP_SESSION":    MarkerStopSession,
}

// ParseMarker recognizes a marker line. The whole trimmed line must be the
// marker; markers embedded in prose are plain text.
func ParseMarker(line string) (Marker, bool) {
	s := strings.TrimSpace(line)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return Marker{}, false
	}
	body := s[1 : len(s)-1]

	if body == "SESSION_STATUS" {
		return Marker{Kind: MarkerSessionStatus}, true
	}
	tag, arg, ok := strings.Cut(body, ":")
	if !ok {
		return Marker{}, false
	}
	kind, known := markerTags[tag]
	if !known {
		return Marker{}, false
	}
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return Marker{}, false
	}
	return Marker{Kind: kind, Arg: arg}, true
}
