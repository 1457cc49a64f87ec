package policy

import (
	"slices"
	"strings"

	"github.com/rancher/branchflow/internal/forge"
)

// NewDraft validates a requested merge request and applies branch policy to
// it. An empty target defaults to the integration branch, and a Database
// source is always retargeted to the integration branch whatever the caller
// asked for.
func (p Policy) NewDraft(req forge.MergeRequestDraft) (forge.MergeRequestDraft, error) {
	draft := req
	draft.Title = strings.TrimSpace(req.Title)
	draft.Description = strings.TrimSpace(req.Description)
	if draft.Title == "" {
		return forge.MergeRequestDraft{}, invalid("title", "is required")
	}

	draft.SourceBranch = NormalizeBranch(req.SourceBranch)
	if err := ValidateBranchName(draft.SourceBranch); err != nil {
		return forge.MergeRequestDraft{}, invalid("source_branch", "%v", err)
	}

	category := p.Classify(draft.SourceBranch)
	if !category.AllowsPush() {
		return forge.MergeRequestDraft{}, invalid("source_branch", "%s branch %q cannot open merge requests", category, draft.SourceBranch)
	}

	draft.TargetBranch = NormalizeBranch(req.TargetBranch)
	if category == Database || draft.TargetBranch == "" {
		draft.TargetBranch = NormalizeBranch(p.IntegrationBranch)
	}
	if err := ValidateBranchName(draft.TargetBranch); err != nil {
		return forge.MergeRequestDraft{}, invalid("target_branch", "%v", err)
	}
	if draft.TargetBranch == draft.SourceBranch {
		return forge.MergeRequestDraft{}, invalid("target_branch", "must differ from the source branch")
	}

	draft.ReviewerIDs = reviewerSet(req.ReviewerIDs)
	return draft, nil
}

func reviewerSet(ids []int) []int {
	var out []int
	for _, id := range ids {
		if id > 0 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
