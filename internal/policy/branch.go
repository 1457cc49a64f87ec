package policy

import (
	"errors"
	"slices"
	"strings"
)

// NormalizeBranch trims whitespace, removes leading/trailing slashes, and strips
// refs/heads prefixes from a branch name. It returns an empty string when the
// normalized branch would otherwise be empty.
func NormalizeBranch(branch string) string {
	branch = strings.Trim(strings.TrimSpace(branch), "/")

	if len(branch) >= len("refs/heads/") && strings.EqualFold(branch[:len("refs/heads/")], "refs/heads/") {
		branch = branch[len("refs/heads/"):]
	}

	return strings.TrimSpace(strings.Trim(branch, "/"))
}

// ValidateBranchName applies git's basic ref-name safety rules.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return errors.New("branch cannot be empty")
	}

	if strings.ContainsAny(branch, " \t\n\r") {
		return errors.New("branch cannot contain whitespace")
	}

	if strings.Contains(branch, "..") {
		return errors.New("branch cannot contain '..'")
	}

	if strings.ContainsAny(branch, "~^:?*[]{\\") {
		return errors.New("branch contains forbidden git characters")
	}

	// A lone @ and the @{ sequence are reflog syntax; other @ are fine.
	if branch == "@" || strings.Contains(branch, "@{") {
		return errors.New("branch cannot be '@' or contain '@{'")
	}

	if strings.HasSuffix(branch, ".lock") || strings.HasSuffix(branch, ".") {
		return errors.New("branch cannot end with '.lock' or '.'")
	}

	return nil
}

// NormalizeBranches normalizes every name, dropping empties and duplicates
// while preserving first-seen order.
func NormalizeBranches(names []string) []string {
	result := make([]string, 0, len(names))
	for _, name := range names {
		name = NormalizeBranch(name)
		if name == "" || slices.Contains(result, name) {
			continue
		}
		result = append(result, name)
	}
	return result
}

// HasPrefix reports whether branch starts with any of prefixes.
func HasPrefix(branch string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(branch, prefix) {
			return true
		}
	}
	return false
}
