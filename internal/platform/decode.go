package platform

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DecodeEvent turns a raw webhook body into a normalized Event, given
// the event-type header the caller already identified (X-Gitlab-Event,
// X-Gitea-Event, or X-GitHub-Event) and which platform it came from.
// Returns (zero Event, false, nil) for an event type/action this
// engine doesn't act on — not an error, just "nothing to enqueue".
func DecodeEvent(plat string, eventType string, body []byte) (Event, bool, error) {
	switch plat {
	case "gitlab":
		return decodeGitLab(eventType, body)
	case "gitea":
		return decodeGitea(eventType, body)
	case "github":
		return decodeGitHub(eventType, body)
	default:
		return Event{}, false, fmt.Errorf("unknown platform %q", plat)
	}
}

func decodeGitLab(eventType string, body []byte) (Event, bool, error) {
	switch eventType {
	case "Merge Request Hook":
		var p struct {
			ObjectAttributes struct {
				IID           int    `json:"iid"`
				State         string `json:"state"`
				Action        string `json:"action"`
				TargetBranch  string `json:"target_branch"`
				SourceBranch  string `json:"source_branch"`
				LastCommitSHA string `json:"last_commit,omitempty"`
			} `json:"object_attributes"`
			Project struct {
				ID      int    `json:"id"`
				SSHURL  string `json:"ssh_url"`
				HTTPURL string `json:"http_url"`
			} `json:"project"`
			User struct {
				Name     string `json:"name"`
				Username string `json:"username"`
				Email    string `json:"email"`
			} `json:"user"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			return Event{}, false, err
		}
		attrs := p.ObjectAttributes
		if attrs.State != "opened" && attrs.Action != "update" {
			return Event{}, false, nil
		}
		author := p.User.Name
		if author == "" {
			author = p.User.Username
		}
		return Event{
			Kind:         KindMR,
			CloneURLs:    []string{p.Project.SSHURL, p.Project.HTTPURL},
			Branch:       attrs.SourceBranch,
			RevisionRef:  fmt.Sprintf("%d", attrs.IID),
			BaseRef:      attrs.TargetBranch,
			AuthorName:   author,
			AuthorEmail:  p.User.Email,
			Timestamp:    time.Now().UTC(),
			IsOpenOrSync: true,
		}, true, nil

	case "Push Hook":
		var p struct {
			Ref     string `json:"ref"`
			Project struct {
				SSHURL  string `json:"ssh_url"`
				HTTPURL string `json:"http_url"`
			} `json:"project"`
			Commits []struct {
				ID        string    `json:"id"`
				Timestamp time.Time `json:"timestamp"`
				Author    struct {
					Name  string `json:"name"`
					Email string `json:"email"`
				} `json:"author"`
			} `json:"commits"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			return Event{}, false, err
		}
		if len(p.Commits) == 0 {
			return Event{}, false, nil
		}
		latest := p.Commits[len(p.Commits)-1]
		ts := latest.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		return Event{
			Kind:        KindCommit,
			CloneURLs:   []string{p.Project.SSHURL, p.Project.HTTPURL},
			Branch:      sanitizeBranchRef(p.Ref),
			RevisionRef: latest.ID,
			AuthorName:  latest.Author.Name,
			AuthorEmail: latest.Author.Email,
			Timestamp:   ts,
		}, true, nil
	}
	return Event{}, false, nil
}

func decodeGitea(eventType string, body []byte) (Event, bool, error) {
	switch eventType {
	case "pull_request":
		var p struct {
			Action      string `json:"action"`
			PullRequest struct {
				Number int `json:"number"`
				Base   struct {
					Ref string `json:"ref"`
				} `json:"base"`
				Head struct {
					Ref string `json:"ref"`
				} `json:"head"`
			} `json:"pull_request"`
			Repository struct {
				SSHURL string `json:"ssh_url"`
			} `json:"repository"`
			Sender struct {
				FullName string `json:"full_name"`
				Login    string `json:"login"`
				Email    string `json:"email"`
			} `json:"sender"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			return Event{}, false, err
		}
		if p.Action != "opened" && p.Action != "synchronize" {
			return Event{}, false, nil
		}
		author := p.Sender.FullName
		if author == "" {
			author = p.Sender.Login
		}
		return Event{
			Kind:         KindMR,
			CloneURLs:    []string{p.Repository.SSHURL},
			Branch:       p.PullRequest.Head.Ref,
			RevisionRef:  fmt.Sprintf("%d", p.PullRequest.Number),
			BaseRef:      p.PullRequest.Base.Ref,
			AuthorName:   author,
			AuthorEmail:  p.Sender.Email,
			Timestamp:    time.Now().UTC(),
			IsOpenOrSync: true,
		}, true, nil

	case "push":
		return decodeGenericPush(body)
	}
	return Event{}, false, nil
}

func decodeGitHub(eventType string, body []byte) (Event, bool, error) {
	switch eventType {
	case "pull_request":
		var p struct {
			Action      string `json:"action"`
			PullRequest struct {
				Number int `json:"number"`
				Base   struct {
					Ref string `json:"ref"`
				} `json:"base"`
				Head struct {
					Ref string `json:"ref"`
				} `json:"head"`
			} `json:"pull_request"`
			Repository struct {
				SSHURL string `json:"ssh_url"`
			} `json:"repository"`
			Sender struct {
				Login string `json:"login"`
			} `json:"sender"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			return Event{}, false, err
		}
		if p.Action != "opened" && p.Action != "synchronize" {
			return Event{}, false, nil
		}
		return Event{
			Kind:         KindMR,
			CloneURLs:    []string{p.Repository.SSHURL},
			Branch:       p.PullRequest.Head.Ref,
			RevisionRef:  fmt.Sprintf("%d", p.PullRequest.Number),
			BaseRef:      p.PullRequest.Base.Ref,
			AuthorName:   p.Sender.Login,
			Timestamp:    time.Now().UTC(),
			IsOpenOrSync: true,
		}, true, nil

	case "push":
		return decodeGenericPush(body)
	}
	return Event{}, false, nil
}

// decodeGenericPush handles the Gitea/GitHub push payload, which share
// the same shape (repository.{owner.login,name,ssh_url}, commits[],
// pusher{name|login,email}).
func decodeGenericPush(body []byte) (Event, bool, error) {
	var p struct {
		Ref        string `json:"ref"`
		Repository struct {
			SSHURL string `json:"ssh_url"`
		} `json:"repository"`
		Commits []struct {
			ID        string    `json:"id"`
			Timestamp time.Time `json:"timestamp"`
			Author    struct {
				Name  string `json:"name"`
				Email string `json:"email"`
			} `json:"author"`
		} `json:"commits"`
		Pusher struct {
			Name  string `json:"name"`
			Login string `json:"login"`
			Email string `json:"email"`
		} `json:"pusher"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, false, err
	}
	if len(p.Commits) == 0 {
		return Event{}, false, nil
	}
	latest := p.Commits[len(p.Commits)-1]
	authorName := latest.Author.Name
	if authorName == "" {
		authorName = p.Pusher.Name
		if authorName == "" {
			authorName = p.Pusher.Login
		}
	}
	authorEmail := latest.Author.Email
	if authorEmail == "" {
		authorEmail = p.Pusher.Email
	}
	ts := latest.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Event{
		Kind:        KindCommit,
		CloneURLs:   []string{p.Repository.SSHURL},
		Branch:      sanitizeBranchRef(p.Ref),
		RevisionRef: latest.ID,
		AuthorName:  authorName,
		AuthorEmail: authorEmail,
		Timestamp:   ts,
	}, true, nil
}

// sanitizeBranchRef strips the refs/heads/ prefix push payloads carry.
func sanitizeBranchRef(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}
