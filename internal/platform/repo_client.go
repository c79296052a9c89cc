package platform

import (
	"context"
	"fmt"

	"github.com/revgate/revgate/internal/config"
)

// NewClientForRepo builds the REST client for one configured
// repository, wiring whichever auth mode it specifies.
func NewClientForRepo(repo config.RepoConfig) *Client {
	c := &Client{Platform: string(repo.Platform), APIBase: repo.APIBase}
	switch repo.Auth {
	case config.AuthToken:
		c.AuthHeaderValue = repo.AuthToken
		switch repo.Platform {
		case config.PlatformGitLab:
			c.AuthHeaderName = "PRIVATE-TOKEN"
		case config.PlatformGitea, config.PlatformGitHub:
			c.AuthHeaderName = "Authorization"
			c.AuthHeaderValue = "token " + repo.AuthToken
		}
	case config.AuthBasic:
		c.BasicUser = repo.AuthUser
		c.BasicPassword = repo.AuthPassword
	}
	return c
}

// RepoCommenter implements the scheduler's Commenter interface,
// resolving each call's repoID to that repository's own API base and
// credentials so one engine instance can post comments across
// multiple self-hosted platform instances.
type RepoCommenter struct {
	Config *config.Config
}

// PostComment looks up repoID's repository config, builds its client,
// and posts the comment. Returns an error for an unknown or
// unresolvable repository so the caller's best-effort logging applies.
func (r *RepoCommenter) PostComment(ctx context.Context, repoID string, kind Kind, revisionRef, body string) error {
	repo, ok := r.Config.FindRepoByID(repoID)
	if !ok {
		return fmt.Errorf("platform: no configured repository %q", repoID)
	}
	projectPath, ok := ProjectPath(repo.CloneURL)
	if !ok {
		return fmt.Errorf("platform: cannot derive project path from %q", repo.CloneURL)
	}
	client := NewClientForRepo(repo)
	return client.PostComment(ctx, projectPath, kind, revisionRef, body)
}
