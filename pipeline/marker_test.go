package pipeline

import "testing"

func TestParseMarker(t *testing.T) {
	cases := []struct {
		line string
		want Marker
		ok   bool
	}{
		{"[NETWORK_REQUEST: pypi.org]", Marker{MarkerNetworkRequest, "pypi.org"}, true},
		{"  [NETWORK_REQUEST: pypi.org]  ", Marker{MarkerNetworkRequest, "pypi.org"}, true},
		{"[CREATE_SESSION: acme/widget@dev]", Marker{MarkerCreateSession, "acme/widget@dev"}, true},
		{"[CREATE_REVIEWER: acme/widget]", Marker{MarkerCreateReviewer, "acme/widget"}, true},
		{"[STOP_SESSION: 9f1b2c3d]", Marker{MarkerStopSession, "9f1b2c3d"}, true},
		{"[SESSION_STATUS]", Marker{MarkerSessionStatus, ""}, true},
		{"[NETWORK_REQUEST:pypi.org]", Marker{MarkerNetworkRequest, "pypi.org"}, true},
		{"[NETWORK_REQUEST: ]", Marker{}, false},
		{"[UNKNOWN_TAG: x]", Marker{}, false},
		{"see [NETWORK_REQUEST: pypi.org] above", Marker{}, false},
		{"plain text", Marker{}, false},
		{"[]", Marker{}, false},
		{"[NETWORK_REQUEST]", Marker{}, false},
	}
	for _, c := range cases {
		got, ok := ParseMarker(c.line)
		if ok != c.ok || got != c.want {
			t.Errorf("ParseMarker(%q) = %+v, %v; want %+v, %v", c.line, got, ok, c.want, c.ok)
		}
	}
}

func TestOrchestratorOnly(t *testing.T) {
	if (Marker{Kind: MarkerNetworkRequest}).OrchestratorOnly() {
		t.Error("network requests come from every session type")
	}
	for _, k := range []MarkerKind{MarkerCreateSession, MarkerCreateReviewer, MarkerSessionStatus, MarkerStopSession} {
		if !(Marker{Kind: k}).OrchestratorOnly() {
			t.Errorf("kind %d should be orchestrator-only", k)
		}
	}
}
