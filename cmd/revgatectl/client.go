package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/revgate/revgate/internal/storage"
)

type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(addr string) *apiClient {
	return &apiClient{base: strings.TrimSuffix(addr, "/"), http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *apiClient) get(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func (c *apiClient) post(path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = strings.NewReader(string(data))
	}
	resp, err := c.http.Post(c.base+path, "application/json", reader)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp, out)
}

func decodeOrError(resp *http.Response, out any) error {
	if resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("daemon: %s", errBody.Error)
		}
		return fmt.Errorf("daemon: unexpected status %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type statusResponse struct {
	Running       bool   `json:"running"`
	Interval      string `json:"interval"`
	ActiveWorkers int    `json:"active_workers"`
}

type reviewsResponse struct {
	Reviews []*storage.Task `json:"reviews"`
}

type fullReviewResponse struct {
	Task   *storage.Task    `json:"task"`
	Issues []storage.Issue `json:"issues"`
}

func (c *apiClient) pollingStatus() (statusResponse, error) {
	var s statusResponse
	err := c.get("/polling/status", &s)
	return s, err
}

func (c *apiClient) reviews(repoID, status string, limit int) ([]*storage.Task, error) {
	q := url.Values{}
	if repoID != "" {
		q.Set("repo_id", repoID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var out reviewsResponse
	err := c.get("/stats/reviews?"+q.Encode(), &out)
	return out.Reviews, err
}

func (c *apiClient) reviewFull(taskID string) (*storage.Task, []storage.Issue, error) {
	var out fullReviewResponse
	err := c.get("/stats/review/"+url.PathEscape(taskID)+"/full", &out)
	return out.Task, out.Issues, err
}

func (c *apiClient) reviewExport(taskID, format string) (string, error) {
	resp, err := c.http.Get(c.base + "/stats/review/" + url.PathEscape(taskID) + "/export?format=" + format)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	return string(data), err
}

func (c *apiClient) trigger(repoID string, req triggerBody) (map[string]any, error) {
	var out map[string]any
	err := c.post("/polling/repos/"+url.PathEscape(repoID)+"/trigger", req, &out)
	return out, err
}

type triggerBody struct {
	Strategy    string `json:"strategy,omitempty"`
	RevisionRef string `json:"revision_ref"`
	BaseRef     string `json:"base_ref,omitempty"`
	Branch      string `json:"branch,omitempty"`
}
