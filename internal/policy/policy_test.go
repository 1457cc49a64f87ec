package policy_test

import (
	"errors"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher/branchflow/internal/forge"
	"github.com/rancher/branchflow/internal/git"
	"github.com/rancher/branchflow/internal/policy"
)

var _ = Describe("Policy", func() {
	var p policy.Policy

	BeforeEach(func() {
		p = policy.Default()
	})

	Describe("Classify", func() {
		DescribeTable("applies rules in order",
			func(name string, protected []string, database string, want policy.Category) {
				Expect(policy.Classify(name, protected, database)).To(Equal(want))
			},
			Entry("main wins over protected list", "main", []string{"main"}, "main", policy.Main),
			Entry("master", "master", nil, "", policy.Main),
			Entry("protected", "internal", []string{"develop", "internal"}, "develop-database", policy.Protected),
			Entry("protected wins over database", "develop", []string{"develop"}, "develop", policy.Protected),
			Entry("database", "develop-database", []string{"develop"}, "develop-database", policy.Database),
			Entry("feature", "feature/login", []string{"develop"}, "develop-database", policy.Feature),
			Entry("empty name", "", nil, "", policy.Feature),
			Entry("case sensitive", "Main", nil, "", policy.Feature),
		)

		It("is total and deterministic", func() {
			names := []string{"", "main", "MASTER", "develop", "bugfix/x", "develop-database", " ", "refs/heads/main", "日本語"}
			valid := []policy.Category{policy.Main, policy.Protected, policy.Database, policy.Feature}
			for _, name := range names {
				first := p.Classify(name)
				Expect(valid).To(ContainElement(first))
				Expect(p.Classify(name)).To(Equal(first))
			}
		})

		It("only lets feature and database branches push", func() {
			Expect(policy.Main.AllowsPush()).To(BeFalse())
			Expect(policy.Protected.AllowsPush()).To(BeFalse())
			Expect(policy.Database.AllowsPush()).To(BeTrue())
			Expect(policy.Feature.AllowsPush()).To(BeTrue())
		})
	})

	Describe("NewDraft", func() {
		It("forces the integration branch for database sources", func() {
			for _, target := range []string{"internal", "main", "", "release/1.0"} {
				draft, err := p.NewDraft(forge.MergeRequestDraft{
					SourceBranch: "develop-database",
					TargetBranch: target,
					Title:        "schema change",
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(draft.TargetBranch).To(Equal("develop"))
			}
		})

		It("keeps the requested target for feature branches", func() {
			draft, err := p.NewDraft(forge.MergeRequestDraft{
				SourceBranch: "feature/login",
				TargetBranch: "refs/heads/internal",
				Title:        "  add login  ",
				ReviewerIDs:  []int{3, 1, 3, 0},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(draft.TargetBranch).To(Equal("internal"))
			Expect(draft.Title).To(Equal("add login"))
			Expect(draft.ReviewerIDs).To(Equal([]int{1, 3}))
		})

		It("defaults an empty target to the integration branch", func() {
			draft, err := p.NewDraft(forge.MergeRequestDraft{SourceBranch: "feature/x", Title: "x"})
			Expect(err).NotTo(HaveOccurred())
			Expect(draft.TargetBranch).To(Equal("develop"))
		})

		DescribeTable("rejects invalid input",
			func(req forge.MergeRequestDraft, field string) {
				_, err := p.NewDraft(req)
				var validationErr *policy.ValidationError
				Expect(errors.As(err, &validationErr)).To(BeTrue())
				Expect(validationErr.Field).To(Equal(field))
			},
			Entry("empty title", forge.MergeRequestDraft{SourceBranch: "feature/x", TargetBranch: "develop", Title: "   "}, "title"),
			Entry("protected source", forge.MergeRequestDraft{SourceBranch: "internal", TargetBranch: "develop", Title: "t"}, "source_branch"),
			Entry("main source", forge.MergeRequestDraft{SourceBranch: "main", TargetBranch: "develop", Title: "t"}, "source_branch"),
			Entry("detached head", forge.MergeRequestDraft{SourceBranch: "", TargetBranch: "develop", Title: "t"}, "source_branch"),
			Entry("same branch", forge.MergeRequestDraft{SourceBranch: "feature/x", TargetBranch: "feature/x", Title: "t"}, "target_branch"),
			Entry("bad target", forge.MergeRequestDraft{SourceBranch: "feature/x", TargetBranch: "a..b", Title: "t"}, "target_branch"),
		)
	})

	Describe("SyncTarget", func() {
		DescribeTable("selects the sibling integration branch",
			func(source, target, want string, ok bool) {
				got, found := p.SyncTarget(source, target)
				Expect(found).To(Equal(ok))
				Expect(got).To(Equal(want))
			},
			Entry("bugfix into develop", "bugfix/login-crash", "develop", "internal", true),
			Entry("fix into internal", "fix/typo", "internal", "develop", true),
			Entry("feature branch", "feature/login", "develop", "", false),
			Entry("target outside pair", "bugfix/x", "release/1.0", "", false),
			Entry("prefix must lead", "feature/bugfix/x", "develop", "", false),
		)
	})

	Describe("SyncDraft", func() {
		var primary forge.MergeRequestDraft

		BeforeEach(func() {
			primary = forge.MergeRequestDraft{
				SourceBranch:       "bugfix/login-crash",
				TargetBranch:       "develop",
				Title:              "fix login crash",
				Description:        "Null check on session.",
				RemoveSourceBranch: true,
			}
		})

		It("marks the title and references the original merge request", func() {
			draft := policy.SyncDraft(primary, policy.SyncProposal{
				Primary:    forge.MergeRequest{IID: 42, URL: "https://gitlab.example.com/mr/42"},
				SyncTarget: "internal",
				Probe:      git.ProbeResult{Outcome: git.ProbeClear},
			})

			Expect(draft.Title).To(Equal("[同步] fix login crash"))
			Expect(draft.TargetBranch).To(Equal("internal"))
			Expect(draft.SourceBranch).To(Equal("bugfix/login-crash"))
			Expect(draft.Description).To(ContainSubstring("!42"))
			Expect(draft.Description).To(ContainSubstring("develop"))
			Expect(draft.Description).To(ContainSubstring("Null check on session."))
			Expect(draft.RemoveSourceBranch).To(BeFalse())
		})

		It("adds the conflict marker and lists conflicting paths", func() {
			draft := policy.SyncDraft(primary, policy.SyncProposal{
				Primary:    forge.MergeRequest{IID: 42},
				SyncTarget: "internal",
				Probe: git.ProbeResult{
					Outcome:          git.ProbeConflict,
					HasConflict:      true,
					ConflictingPaths: []string{"app/session.go", "README.md"},
				},
			})

			Expect(draft.Title).To(HavePrefix("[同步][冲突] "))
			Expect(draft.Description).To(ContainSubstring("app/session.go"))
			Expect(draft.Description).To(ContainSubstring("README.md"))
		})

		It("notes an inconclusive probe without claiming a conflict", func() {
			draft := policy.SyncDraft(primary, policy.SyncProposal{
				Primary:    forge.MergeRequest{IID: 42},
				SyncTarget: "internal",
				Probe:      git.ProbeResult{Outcome: git.ProbeInconclusive, Diagnostic: "worktree add failed"},
			})

			Expect(draft.Title).NotTo(ContainSubstring(policy.ConflictMarker))
			Expect(strings.ToLower(draft.Description)).To(ContainSubstring("inconclusive"))
			Expect(draft.Description).To(ContainSubstring("worktree add failed"))
		})
	})

	Describe("NormalizeBranch", func() {
		It("strips refs prefixes and stray slashes", func() {
			Expect(policy.NormalizeBranch(" refs/heads/release/v0.30// ")).To(Equal("release/v0.30"))
			Expect(policy.NormalizeBranch("/")).To(Equal(""))
		})

		It("deduplicates lists while keeping order", func() {
			Expect(policy.NormalizeBranches([]string{"develop", " internal ", "develop", ""})).To(Equal([]string{"develop", "internal"}))
		})
	})

	Describe("ValidateBranchName", func() {
		DescribeTable("accepts names git allows",
			func(name string) {
				Expect(policy.ValidateBranchName(name)).To(Succeed())
			},
			Entry("ordinary", "bugfix/login-crash"),
			Entry("at sign inside", "fix/user@2x"),
			Entry("trailing at sign", "release@"),
		)

		DescribeTable("rejects reflog syntax",
			func(name string) {
				Expect(policy.ValidateBranchName(name)).NotTo(Succeed())
			},
			Entry("at brace", "a@{b"),
			Entry("bare at", "@"),
			Entry("lone brace", "a{b"),
		)

		It("lets a draft carry an at sign in the source branch", func() {
			_, err := policy.Default().NewDraft(forge.MergeRequestDraft{SourceBranch: "fix/user@2x", TargetBranch: "develop", Title: "t"})
			Expect(err).NotTo(HaveOccurred())
		})

		It("rejects names git would refuse", func() {
			for _, name := range []string{"", "has space", "a..b", "a~1", "x:y", "topic.lock"} {
				Expect(policy.ValidateBranchName(name)).NotTo(Succeed(), name)
			}
		})
	})
})
