package files

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rho-agent/rho/pkg/models"
)

// WriteMode controls how write_file treats existing files.
type WriteMode string

const (
	// WriteCreateOnly refuses to overwrite existing files.
	WriteCreateOnly WriteMode = "create_only"
	// WriteFull allows both creation and overwrite.
	WriteFull WriteMode = "full"
)

// WriteTool creates files under the working directory.
type WriteTool struct {
	resolver Resolver
	mode     WriteMode
}

// NewWriteTool returns a write_file tool rooted at workdir.
func NewWriteTool(workdir string, mode WriteMode) *WriteTool {
	return &WriteTool{resolver: Resolver{Root: workdir}, mode: mode}
}

func (t *WriteTool) Name() string { return "write_file" }

func (t *WriteTool) Description() string {
	if t.mode == WriteCreateOnly {
		return "Create a new file in the working directory. Fails if the file already exists."
	}
	return "Write a file in the working directory, creating it or replacing its contents."
}

func (t *WriteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file, relative to the working directory.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full contents to write.",
			},
		},
		"required": []any{"path", "content"},
	}
}

func (t *WriteTool) RequiresApproval() bool { return true }

func (t *WriteTool) Enabled() bool { return true }

func (t *WriteTool) Handle(ctx context.Context, inv models.ToolInvocation) (models.ToolOutput, error) {
	path, _ := inv.Arguments["path"].(string)
	content, _ := inv.Arguments["content"].(string)
	resolved, err := t.resolver.Resolve(path)
	if err != nil {
		return models.FailedOutput(err.Error()), nil
	}
	if _, err := os.Stat(resolved); err == nil {
		if t.mode == WriteCreateOnly {
			return models.FailedOutput(fmt.Sprintf("File %q already exists. Overwrites are not permitted.", path)), nil
		}
	} else if !os.IsNotExist(err) {
		return models.FailedOutput(fmt.Sprintf("stat %q: %v", path, err)), nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return models.FailedOutput(fmt.Sprintf("create parent directory: %v", err)), nil
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return models.FailedOutput(fmt.Sprintf("write %q: %v", path, err)), nil
	}
	return models.ToolOutput{
		Content: fmt.Sprintf("Wrote %d bytes to %s.", len(content), path),
		Success: true,
		Metadata: map[string]any{
			"path":  resolved,
			"bytes": len(content),
		},
	}, nil
}
