// Package platform decodes inbound Git-hosting-platform events and
// exposes a minimal REST client for polling, for the three supported
// hosts: GitLab, Gitea, and GitHub Enterprise.
package platform

import "time"

// Kind distinguishes a commit push from a merge/pull request event.
type Kind string

const (
	KindCommit Kind = "commit"
	KindMR     Kind = "mr"
)

// Event is the normalized shape every platform decoder produces,
// regardless of the wire format it came from.
type Event struct {
	Kind         Kind
	CloneURLs    []string // candidate URLs to match against configured repos (ssh + http variants)
	Branch       string
	RevisionRef  string // commit SHA, or MR/PR iid as a string
	BaseRef      string
	AuthorName   string
	AuthorEmail  string
	Timestamp    time.Time
	IsOpenOrSync bool // for MR/PR events: true unless the action is a close/merge that shouldn't trigger review
}

// Commit is one new commit discovered by polling.
type Commit struct {
	SHA         string
	AuthorName  string
	AuthorEmail string
	Timestamp   time.Time
}

// MergeRequest is one open/updated MR or PR discovered by polling.
type MergeRequest struct {
	IID        string
	SourceRef  string
	TargetRef  string
	AuthorName string
	UpdatedAt  time.Time
}
