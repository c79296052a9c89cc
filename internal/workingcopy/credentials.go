package workingcopy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/revgate/revgate/internal/config"
)

// credentialEnv returns the process-env entries a git subprocess for
// repo should run with. Credentials are passed through a GIT_ASKPASS
// helper script named only in the returned copy of os.Environ(),
// rather than being exported into the ambient environment,
// so an unrelated subprocess spawned later on this goroutine never
// inherits them (§4.3).
func credentialEnv(repo config.RepoConfig) ([]string, error) {
	base := os.Environ()
	switch repo.Auth {
	case config.AuthNone, "":
		return base, nil
	case config.AuthBasic:
		helper, err := writeCredentialHelper(repo.RepoID, repo.AuthUser, repo.AuthPassword)
		if err != nil {
			return nil, err
		}
		return append(base, "GIT_ASKPASS="+helper), nil
	case config.AuthToken:
		helper, err := writeCredentialHelper(repo.RepoID, "oauth2", repo.AuthToken)
		if err != nil {
			return nil, err
		}
		return append(base, "GIT_ASKPASS="+helper), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q for repo %s", repo.Auth, repo.RepoID)
	}
}

// writeCredentialHelper writes a tiny askpass script that echoes user
// or password depending on the prompt git gives it, scoped to one
// repository's temp directory and restricted to the owner.
func writeCredentialHelper(repoID, user, secret string) (string, error) {
	dir := filepath.Join(os.TempDir(), "revgate-askpass", repoID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create askpass dir: %w", err)
	}
	script := filepath.Join(dir, "askpass.sh")
	content := fmt.Sprintf("#!/bin/sh\ncase \"$1\" in\n  Username*) echo %q ;;\n  *) echo %q ;;\nesac\n", user, secret)
	if err := os.WriteFile(script, []byte(content), 0o700); err != nil {
		return "", fmt.Errorf("write askpass script: %w", err)
	}
	return script, nil
}
