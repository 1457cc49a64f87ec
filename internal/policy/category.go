// Package policy decides what a branch is allowed to do: its category, the
// merge request drafts it may produce and whether a bugfix needs a sync
// merge request to the sibling integration branch.
package policy

import "slices"

// Category is the policy classification of a branch.
type Category string

const (
	Main      Category = "main"
	Protected Category = "protected"
	Database  Category = "database"
	Feature   Category = "feature"
)

// AllowsPush reports whether work on a branch of this category may be pushed
// and turned into a merge request.
func (c Category) AllowsPush() bool {
	return c == Database || c == Feature
}

// Classify maps a branch name to its category. The first matching rule wins:
// main/master, the protected list, the database branch, otherwise Feature.
func Classify(name string, protected []string, databaseBranch string) Category {
	switch {
	case name == "main" || name == "master":
		return Main
	case slices.Contains(protected, name):
		return Protected
	case databaseBranch != "" && name == databaseBranch:
		return Database
	default:
		return Feature
	}
}

// Policy is the branch policy for one repository. It is read fresh from
// configuration for every workflow and never mutated.
type Policy struct {
	Protected         []string
	DatabaseBranch    string
	IntegrationBranch string
	SyncPair          [2]string
	SyncPrefixes      []string
}

// Default returns the policy used when configuration sets nothing.
func Default() Policy {
	return Policy{
		Protected:         []string{"main", "master", "develop", "internal"},
		DatabaseBranch:    "develop-database",
		IntegrationBranch: "develop",
		SyncPair:          [2]string{"develop", "internal"},
		SyncPrefixes:      []string{"bugfix/", "fix/"},
	}
}

// Classify is Classify with this policy's lists.
func (p Policy) Classify(name string) Category {
	return Classify(name, p.Protected, p.DatabaseBranch)
}
