package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Client polls a single platform's REST API for new commits and merge
// requests. There is no GitLab/Gitea/GitHub SDK in the corpus this
// engine was grounded on, so this talks directly over net/http the
// same way the original polling loop used requests.get.
type Client struct {
	Platform string // gitlab | gitea | github
	APIBase  string // e.g. https://gitlab.example.com/api/v4
	HTTP     *http.Client

	// AuthHeaderName, if set, is added to every request with value
	// AuthHeaderValue (e.g. "PRIVATE-TOKEN: <token>").
	AuthHeaderName  string
	AuthHeaderValue string
	BasicUser       string
	BasicPassword   string
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 30 * time.Second}
}

var sshPathRe = regexp.MustCompile(`^[\w.-]+@[^:]+:(.+?)(?:\.git)?$`)
var httpPathRe = regexp.MustCompile(`^https?://[^/]+/(.+?)(?:\.git)?$`)

// ProjectPath extracts the "group/project"-style path segment from a
// clone URL, in either ssh or http(s) form.
func ProjectPath(cloneURL string) (string, bool) {
	if m := sshPathRe.FindStringSubmatch(cloneURL); m != nil {
		return m[1], true
	}
	if m := httpPathRe.FindStringSubmatch(cloneURL); m != nil {
		return m[1], true
	}
	return "", false
}

func (c *Client) do(ctx context.Context, method, rawURL string, params url.Values, out any) error {
	if params != nil {
		rawURL = rawURL + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return err
	}
	if c.AuthHeaderName != "" {
		req.Header.Set(c.AuthHeaderName, c.AuthHeaderValue)
	}
	if c.BasicUser != "" {
		req.SetBasicAuth(c.BasicUser, c.BasicPassword)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %d", method, rawURL, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListCommitsSince returns commits on branch newer than lastSeenSHA,
// in the API response's newest-first order, truncated at the first
// commit matching lastSeenSHA (empty lastSeenSHA returns everything
// the API hands back, up to the page size).
func (c *Client) ListCommitsSince(ctx context.Context, projectPath, branch, lastSeenSHA string) ([]Commit, error) {
	encoded := url.PathEscape(projectPath)
	var reqURL string
	params := url.Values{}

	switch c.Platform {
	case "gitlab":
		reqURL = fmt.Sprintf("%s/projects/%s/repository/commits", c.APIBase, encoded)
		params.Set("ref_name", branch)
		params.Set("per_page", "10")
	case "gitea", "github":
		reqURL = fmt.Sprintf("%s/repos/%s/commits", c.APIBase, projectPath)
		params.Set("sha", branch)
		params.Set(perPageKey(c.Platform), "10")
	default:
		return nil, fmt.Errorf("unsupported platform %q", c.Platform)
	}

	var raw []map[string]any
	if err := c.do(ctx, http.MethodGet, reqURL, params, &raw); err != nil {
		return nil, err
	}

	var commits []Commit
	for _, entry := range raw {
		sha, _ := entry["id"].(string)
		if sha == "" {
			sha, _ = entry["sha"].(string)
		}
		if sha == lastSeenSHA {
			break
		}
		commits = append(commits, Commit{
			SHA:         sha,
			AuthorName:  commitAuthorName(entry),
			AuthorEmail: commitAuthorEmail(entry),
			Timestamp:   commitTimestamp(entry),
		})
	}
	return commits, nil
}

func commitAuthorName(entry map[string]any) string {
	if name, ok := entry["author_name"].(string); ok && name != "" {
		return name
	}
	if commit, ok := entry["commit"].(map[string]any); ok {
		if author, ok := commit["author"].(map[string]any); ok {
			if name, ok := author["name"].(string); ok {
				return name
			}
		}
	}
	return ""
}

func commitAuthorEmail(entry map[string]any) string {
	if commit, ok := entry["commit"].(map[string]any); ok {
		if author, ok := commit["author"].(map[string]any); ok {
			if email, ok := author["email"].(string); ok {
				return email
			}
		}
	}
	return ""
}

// commitTimestamp extracts a commit's authoring/commit date so
// effective_from filtering (§3, §4.8) has a real value to compare
// against instead of the poll time: GitLab's commits API puts it at
// committed_date; GitHub/Gitea nest it under commit.committer.date.
// Falls back to "now" if the platform's response carries neither (or
// neither parses), so such a commit counts as on or after any
// effective_from.
func commitTimestamp(entry map[string]any) time.Time {
	if raw, ok := entry["committed_date"].(string); ok && raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
	}
	if commit, ok := entry["commit"].(map[string]any); ok {
		if committer, ok := commit["committer"].(map[string]any); ok {
			if raw, ok := committer["date"].(string); ok && raw != "" {
				if ts, err := time.Parse(time.RFC3339, raw); err == nil {
					return ts
				}
			}
		}
		if author, ok := commit["author"].(map[string]any); ok {
			if raw, ok := author["date"].(string); ok && raw != "" {
				if ts, err := time.Parse(time.RFC3339, raw); err == nil {
					return ts
				}
			}
		}
	}
	return time.Now().UTC()
}

// ListOpenMergeRequestsAfter returns open MRs/PRs with iid/number
// strictly greater than lastSeenIID (0 means "everything open").
func (c *Client) ListOpenMergeRequestsAfter(ctx context.Context, projectPath string, lastSeenIID int) ([]MergeRequest, error) {
	encoded := url.PathEscape(projectPath)
	var reqURL string
	params := url.Values{"state": {"opened"}}

	switch c.Platform {
	case "gitlab":
		reqURL = fmt.Sprintf("%s/projects/%s/merge_requests", c.APIBase, encoded)
		params.Set("per_page", "10")
	case "gitea":
		reqURL = fmt.Sprintf("%s/repos/%s/pulls", c.APIBase, projectPath)
		params.Set("state", "open")
		params.Set("limit", "10")
	case "github":
		reqURL = fmt.Sprintf("%s/repos/%s/pulls", c.APIBase, projectPath)
		params.Set("state", "open")
		params.Set("per_page", "10")
	default:
		return nil, fmt.Errorf("unsupported platform %q", c.Platform)
	}

	var raw []map[string]any
	if err := c.do(ctx, http.MethodGet, reqURL, params, &raw); err != nil {
		return nil, err
	}

	var mrs []MergeRequest
	for _, entry := range raw {
		iid := mrIID(entry)
		if iid == 0 || iid <= lastSeenIID {
			continue
		}
		mrs = append(mrs, MergeRequest{
			IID:        strconv.Itoa(iid),
			SourceRef:  mrRef(entry, "source_branch", "head"),
			TargetRef:  mrRef(entry, "target_branch", "base"),
			AuthorName: "",
			UpdatedAt:  time.Now().UTC(),
		})
	}
	return mrs, nil
}

func mrIID(entry map[string]any) int {
	if iid, ok := entry["iid"].(float64); ok {
		return int(iid)
	}
	if num, ok := entry["number"].(float64); ok {
		return int(num)
	}
	return 0
}

func mrRef(entry map[string]any, directKey, nestedKey string) string {
	if ref, ok := entry[directKey].(string); ok && ref != "" {
		return ref
	}
	if nested, ok := entry[nestedKey].(map[string]any); ok {
		if ref, ok := nested["ref"].(string); ok {
			return ref
		}
	}
	return ""
}

func perPageKey(platform string) string {
	if platform == "gitea" {
		return "limit"
	}
	return "per_page"
}

// PostComment best-effort posts a review report as a comment on the
// commit or merge request. Failures are never fatal to the task per
// the engine's non-goals — callers log and move on.
func (c *Client) PostComment(ctx context.Context, projectPath string, kind Kind, revisionRef, body string) error {
	encoded := url.PathEscape(projectPath)
	var reqURL string
	payload := map[string]string{}

	switch {
	case c.Platform == "gitlab" && kind == KindCommit:
		reqURL = fmt.Sprintf("%s/projects/%s/repository/commits/%s/comments", c.APIBase, encoded, revisionRef)
		payload["note"] = body
	case c.Platform == "gitlab" && kind == KindMR:
		reqURL = fmt.Sprintf("%s/projects/%s/merge_requests/%s/notes", c.APIBase, encoded, revisionRef)
		payload["body"] = body
	case c.Platform == "gitea" && kind == KindMR:
		reqURL = fmt.Sprintf("%s/repos/%s/issues/%s/comments", c.APIBase, projectPath, revisionRef)
		payload["body"] = body
	case c.Platform == "github" && kind == KindMR:
		reqURL = fmt.Sprintf("%s/repos/%s/issues/%s/comments", c.APIBase, projectPath, revisionRef)
		payload["body"] = body
	default:
		return fmt.Errorf("comment posting not supported for %s/%s", c.Platform, kind)
	}

	encodedBody, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(string(encodedBody)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AuthHeaderName != "" {
		req.Header.Set(c.AuthHeaderName, c.AuthHeaderValue)
	}
	if c.BasicUser != "" {
		req.SetBasicAuth(c.BasicUser, c.BasicPassword)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post comment: unexpected status %d", resp.StatusCode)
	}
	return nil
}
