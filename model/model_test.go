package model

import (
	"testing"
	"time"
)

func TestParseRepoRef(t *testing.T) {
	tests := []struct {
		in         string
		defaultOrg string
		want       RepoRef
		wantErr    bool
	}{
		{in: "acme/app", want: RepoRef{Org: "acme", Repo: "app"}},
		{in: "acme/app@dev", want: RepoRef{Org: "acme", Repo: "app", Branch: "dev"}},
		{in: "acme/app --worktree", want: RepoRef{Org: "acme", Repo: "app", Worktree: WorktreeAuto}},
		{in: "acme/app@dev --worktree=fix-1", want: RepoRef{Org: "acme", Repo: "app", Branch: "dev", Worktree: WorktreeNamed, WorktreeName: "fix-1"}},
		{in: "app", defaultOrg: "acme", want: RepoRef{Org: "acme", Repo: "app"}},
		{in: "app", wantErr: true},
		{in: "", wantErr: true},
		{in: "acme/app@", wantErr: true},
		{in: "acme/app --worktree=.hidden", wantErr: true},
		{in: "acme/app --worktree=a..b", wantErr: true},
		{in: "acme/app --worktree=bad name", wantErr: true},
		{in: "acme/app --bogus", wantErr: true},
		{in: "a/b/c", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseRepoRef(tt.in, tt.defaultOrg)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseRepoRef(%q): expected error, got %+v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRepoRef(%q): %v", tt.in, err)
			continue
		}
		if *got != tt.want {
			t.Errorf("ParseRepoRef(%q) = %+v, want %+v", tt.in, *got, tt.want)
		}
	}
}

func TestRepoRefRoundTrip(t *testing.T) {
	for _, in := range []string{
		"o/r",
		"o/r@b",
		"o/r --worktree",
		"o/r@b --worktree=n",
	} {
		ref, err := ParseRepoRef(in, "")
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if ref.String() != in {
			t.Errorf("round-trip %q: rendered %q", in, ref.String())
		}
		again, err := ParseRepoRef(ref.String(), "")
		if err != nil {
			t.Fatalf("reparse %q: %v", ref.String(), err)
		}
		if *again != *ref {
			t.Errorf("reparse %q: got %+v want %+v", ref.String(), *again, *ref)
		}
	}
}

func TestValidWorktreeName(t *testing.T) {
	valid := []string{"fix-1", "a", "under_score", "v1.2.3", "CAPS"}
	invalid := []string{"", ".hidden", "a..b", "..", "has space", "slash/y", "semi;colon"}

	for _, n := range valid {
		if !ValidWorktreeName(n) {
			t.Errorf("expected %q valid", n)
		}
	}
	for _, n := range invalid {
		if ValidWorktreeName(n) {
			t.Errorf("expected %q invalid", n)
		}
	}
}

func TestWorktreeDirName(t *testing.T) {
	ref := &RepoRef{Org: "acme", Repo: "app", Worktree: WorktreeAuto}
	if got := ref.WorktreeDirName("0123456789abcdef"); got != "app-01234567" {
		t.Errorf("auto dir name: %q", got)
	}
	named := &RepoRef{Org: "acme", Repo: "app", Worktree: WorktreeNamed, WorktreeName: "fix"}
	if got := named.WorktreeDirName("whatever"); got != "fix" {
		t.Errorf("named dir name: %q", got)
	}
}

func TestParseContainerState(t *testing.T) {
	if ParseContainerState("running") != StateRunning {
		t.Error("running should parse to Running")
	}
	if ParseContainerState("stopping") != StateStopping {
		t.Error("stopping should parse to Stopping")
	}
	for _, s := range []string{"stopped", "", "garbage", "RUNNING"} {
		if ParseContainerState(s) != StateStopped {
			t.Errorf("%q should parse to Stopped", s)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello world", 8); got != "hello..." {
		t.Errorf("Truncate: %q", got)
	}
	if got := Truncate("hi", 8); got != "hi" {
		t.Errorf("Truncate short: %q", got)
	}
	if got := Truncate("abcdef", 3); got != "abc" {
		t.Errorf("Truncate tiny: %q", got)
	}
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{3 * time.Minute, "3m"},
		{2*time.Hour + 5*time.Minute, "2h05m"},
		{26 * time.Hour, "1d2h"},
	}
	for _, tt := range tests {
		if got := FormatAge(tt.d); got != tt.want {
			t.Errorf("FormatAge(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestSessionTypeLabel(t *testing.T) {
	if TypeStandard.Label() != "Session" || TypeOrchestrator.Label() != "Orchestrator" {
		t.Error("unexpected labels")
	}
	if TypeWorker.Label() != "Worker" || TypeReviewer.Label() != "Reviewer" {
		t.Error("unexpected child labels")
	}
}
