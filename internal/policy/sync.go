package policy

import (
	"fmt"
	"strings"

	"github.com/rancher/branchflow/internal/forge"
	"github.com/rancher/branchflow/internal/git"
)

// Title markers for sync merge requests.
const (
	SyncMarker     = "[同步]"
	ConflictMarker = "[冲突]"
)

// SyncTarget returns the sibling integration branch a bugfix merged into
// primaryTarget should also reach. It reports false when source does not use
// a sync prefix or primaryTarget is not one of the sync pair.
func (p Policy) SyncTarget(source, primaryTarget string) (string, bool) {
	if !HasPrefix(source, p.SyncPrefixes) || primaryTarget == "" {
		return "", false
	}
	a, b := p.SyncPair[0], p.SyncPair[1]
	switch primaryTarget {
	case a:
		return b, b != "" && b != a
	case b:
		return a, a != "" && a != b
	default:
		return "", false
	}
}

// SyncProposal describes the second merge request offered after a bugfix
// lands on one integration branch.
type SyncProposal struct {
	Primary    forge.MergeRequest `json:"primary" yaml:"primary"`
	SyncTarget string             `json:"sync_target" yaml:"sync_target"`
	Probe      git.ProbeResult    `json:"probe" yaml:"probe"`
}

// SyncDraft builds the sync merge request for an accepted proposal. The title
// carries SyncMarker, plus ConflictMarker when the probe found conflicts, and
// the description points back at the original merge request and its target.
func SyncDraft(primary forge.MergeRequestDraft, proposal SyncProposal) forge.MergeRequestDraft {
	prefix := SyncMarker
	if proposal.Probe.HasConflict {
		prefix += ConflictMarker
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Syncs %s from `%s` into `%s`.\n",
		proposal.Primary.Reference(), primary.TargetBranch, proposal.SyncTarget)
	if proposal.Primary.URL != "" {
		fmt.Fprintf(&b, "\nOriginal merge request: %s\n", proposal.Primary.URL)
	}

	switch {
	case proposal.Probe.HasConflict:
		b.WriteString("\nThe cherry-pick probe found conflicts in:\n")
		for _, path := range proposal.Probe.ConflictingPaths {
			fmt.Fprintf(&b, "- `%s`\n", path)
		}
	case proposal.Probe.Inconclusive():
		fmt.Fprintf(&b, "\nThe conflict probe was inconclusive: %s\n", proposal.Probe.Diagnostic)
	}

	if primary.Description != "" {
		b.WriteString("\n---\n\n")
		b.WriteString(primary.Description)
		b.WriteString("\n")
	}

	return forge.MergeRequestDraft{
		SourceBranch: primary.SourceBranch,
		TargetBranch: proposal.SyncTarget,
		Title:        prefix + " " + primary.Title,
		Description:  strings.TrimRight(b.String(), "\n"),
		Squash:       primary.Squash,
		ReviewerIDs:  primary.ReviewerIDs,
	}
}
