package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rancher/branchflow/internal/forge"
	"github.com/rancher/branchflow/internal/git"
	"github.com/rancher/branchflow/internal/history"
	"github.com/rancher/branchflow/internal/orchestrator"
	"github.com/rancher/branchflow/internal/policy"
)

func proposal(outcome git.ProbeOutcome, paths ...string) policy.SyncProposal {
	return policy.SyncProposal{
		Primary:    forge.MergeRequest{IID: 42, TargetBranch: "develop"},
		SyncTarget: "internal",
		Probe:      git.ProbeResult{Outcome: outcome, HasConflict: outcome == git.ProbeConflict, ConflictingPaths: paths},
	}
}

func TestPrompter(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		interactive bool
		yes         bool
		want        bool
		wantOut     string
	}{
		{name: "yes flag accepts", yes: true, want: true},
		{name: "non-interactive declines", want: false, wantOut: "rerun with --yes"},
		{name: "answer y", input: "y\n", interactive: true, want: true, wantOut: "[y/N]"},
		{name: "answer YES", input: "YES\n", interactive: true, want: true},
		{name: "answer n", input: "n\n", interactive: true, want: false},
		{name: "empty answer declines", input: "\n", interactive: true, want: false},
		{name: "eof declines", input: "", interactive: true, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := newPrompter(strings.NewReader(tt.input), &out, tt.interactive, tt.yes)
			got, err := p.ConfirmSync(context.Background(), proposal(git.ProbeClear))
			if err != nil {
				t.Fatalf("ConfirmSync() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ConfirmSync() = %v, want %v", got, tt.want)
			}
			if tt.wantOut != "" && !strings.Contains(out.String(), tt.wantOut) {
				t.Errorf("expected %q in %q", tt.wantOut, out.String())
			}
		})
	}
}

func TestPrompterHonoursCancellation(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := newPrompter(r, io.Discard, true, false)
	_, err := p.ConfirmSync(ctx, proposal(git.ProbeClear))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSyncQuestion(t *testing.T) {
	tests := []struct {
		outcome git.ProbeOutcome
		paths   []string
		want    string
	}{
		{git.ProbeConflict, []string{"app.txt", "db.sql"}, "conflicts in app.txt, db.sql"},
		{git.ProbeClear, nil, "applies cleanly"},
		{git.ProbeInconclusive, nil, "inconclusive"},
	}
	for _, tt := range tests {
		q := syncQuestion(proposal(tt.outcome, tt.paths...))
		if !strings.Contains(q, tt.want) || !strings.Contains(q, "!42 was opened against develop") {
			t.Errorf("syncQuestion(%s) = %q", tt.outcome, q)
		}
	}
}

func TestProgressPrinter(t *testing.T) {
	var out bytes.Buffer
	emit := progressPrinter(&out)
	emit(orchestrator.Event{Kind: orchestrator.EventStarted})
	emit(orchestrator.Event{Kind: orchestrator.EventStepCompleted, Step: orchestrator.StatePushing})
	emit(orchestrator.Event{Kind: orchestrator.EventFailed, Headline: "permission error"})

	if out.String() != "  ✓ pushed\n  ✗ permission error\n" {
		t.Fatalf("unexpected progress output %q", out.String())
	}
}

func TestWriteHistory(t *testing.T) {
	var out bytes.Buffer
	if err := writeHistory(&out, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "No workflow runs") {
		t.Fatalf("unexpected output %q", out.String())
	}

	out.Reset()
	err := writeHistory(&out, []history.Record{{
		ID:       "task-1",
		Branch:   "bugfix/login-crash",
		State:    "failed",
		Headline: "already exists",
		DryRun:   true,
		MergeRequests: []history.MergeRequest{
			{Kind: history.KindPrimary, IID: 42, TargetBranch: "develop"},
		},
		StartedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"bugfix/login-crash", "!42->develop", "(already exists)", "[dry run]"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("expected %q in %q", want, out.String())
		}
	}
}
