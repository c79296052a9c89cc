package assistant

import (
	"context"
	"path/filepath"
	"testing"

	acp "github.com/coder/acp-go-sdk"
)

func TestReadOnlyClientCheckPathRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	client := &readOnlyClient{root: root}

	if err := client.checkPath(filepath.Join(root, "main.go")); err != nil {
		t.Errorf("checkPath(in-root) = %v, want nil", err)
	}
	if err := client.checkPath(filepath.Join(root, "..", "secrets.env")); err == nil {
		t.Error("checkPath(outside root) = nil, want rejection")
	}
}

func TestReadOnlyClientWriteTextFileRefused(t *testing.T) {
	client := &readOnlyClient{root: t.TempDir()}

	_, err := client.WriteTextFile(context.Background(), acp.WriteTextFileRequest{Path: filepath.Join(client.root, "out.go"), Content: "package x"})
	if err == nil {
		t.Fatal("WriteTextFile() = nil error, want refusal")
	}
}
