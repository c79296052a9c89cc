package assistant

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	acp "github.com/coder/acp-go-sdk"
)

// ACPAgent drives an Agent Client Protocol assistant over its
// stdin/stdout, for assistants that support structured prompting
// instead of a bare CLI invocation. Review tasks never need to write
// back into the checkout, so this client only implements the
// read-only filesystem capability; WriteTextFile is refused. Read
// access is confined to the checkout root, not to the batch's own
// files — the assistant builds the whole-repository context map
// itself (§4.4) and needs to read files outside the batch to do so.
type ACPAgent struct {
	// Command launches the ACP-speaking assistant process.
	Command string
	Args    []string
}

func (a *ACPAgent) Name() string { return "acpagent" }

func (a *ACPAgent) Run(ctx context.Context, req Request, progress io.Writer) (Result, error) {
	cmd := exec.CommandContext(ctx, a.Command, a.Args...)
	cmd.Dir = req.CheckoutPath
	cmd.Env = minimalEnv(
		"OPENAI_API_BASE="+req.InferenceAPIBase,
		"OPENAI_API_KEY="+req.InferenceAPIKey,
		"AIDER_MODEL="+req.InferenceModel,
	)
	cmd.Stderr = &syncWriter{w: progress}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, fmt.Errorf("acp stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("acp stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start acp assistant: %w", err)
	}
	defer func() { _ = cmd.Wait() }()

	client := &readOnlyClient{root: req.CheckoutPath}
	conn := acp.NewClientSideConnection(client, stdin, stdout)

	if _, err := conn.Initialize(ctx, acp.InitializeRequest{ProtocolVersion: acp.LatestProtocolVersion}); err != nil {
		return Result{}, fmt.Errorf("acp initialize: %w", err)
	}

	session, err := conn.NewSession(ctx, acp.NewSessionRequest{Cwd: req.CheckoutPath})
	if err != nil {
		return Result{}, fmt.Errorf("acp new session: %w", err)
	}

	if req.InferenceModel != "" {
		_ = conn.SetSessionModel(ctx, acp.SetSessionModelRequest{SessionID: session.SessionID, ModelID: req.InferenceModel})
	}

	resp, err := conn.Prompt(ctx, acp.PromptRequest{
		SessionID: session.SessionID,
		Prompt:    []acp.ContentBlock{acp.TextBlock{Text: req.Prompt}},
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("acp prompt: %w", err)
	}
	if resp.StopReason != acp.StopReasonEndTurn {
		return Result{Report: client.transcript.String()}, fmt.Errorf("acp session stopped with reason %q", resp.StopReason)
	}

	return Result{Report: client.transcript.String()}, nil
}

// readOnlyClient implements the ACP client-side filesystem capability
// with read access confined to the checkout root and no write access
// at all: review tasks never mutate the checkout.
type readOnlyClient struct {
	root string

	transcript strings.Builder
}

func (c *readOnlyClient) ReadTextFile(ctx context.Context, req acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if err := c.checkPath(req.Path); err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	data, err := os.ReadFile(req.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	return acp.ReadTextFileResponse{Content: string(data)}, nil
}

func (c *readOnlyClient) WriteTextFile(ctx context.Context, req acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	return acp.WriteTextFileResponse{}, fmt.Errorf("write access is disabled for review sessions")
}

func (c *readOnlyClient) SessionUpdate(ctx context.Context, update acp.SessionNotification) error {
	if tb, ok := update.Update.(acp.AgentMessageChunk); ok {
		if text, ok := tb.Content.(acp.TextBlock); ok {
			c.transcript.WriteString(text.Text)
		}
	}
	return nil
}

func (c *readOnlyClient) checkPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	rootAbs, err := filepath.Abs(c.root)
	if err != nil {
		return err
	}
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return fmt.Errorf("path traversal rejected: %s is outside checkout %s", path, c.root)
	}
	return nil
}
