package files

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rho-agent/rho/pkg/models"
)

const defaultReadMaxBytes = 256 * 1024

// ReadTool exposes file reads under the working directory.
type ReadTool struct {
	resolver Resolver
}

// NewReadTool returns a read_file tool rooted at workdir.
func NewReadTool(workdir string) *ReadTool {
	return &ReadTool{resolver: Resolver{Root: workdir}}
}

func (t *ReadTool) Name() string { return "read_file" }

func (t *ReadTool) Description() string {
	return "Read a file from the working directory. Supports an optional starting line offset and a byte cap for large files."
}

func (t *ReadTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file, relative to the working directory.",
			},
			"offset": map[string]any{
				"type":        "integer",
				"description": "1-based line number to start reading from.",
			},
			"max_bytes": map[string]any{
				"type":        "integer",
				"description": "Maximum number of bytes to return (default 262144).",
			},
		},
		"required": []any{"path"},
	}
}

func (t *ReadTool) RequiresApproval() bool { return false }

func (t *ReadTool) Enabled() bool { return true }

func (t *ReadTool) Handle(ctx context.Context, inv models.ToolInvocation) (models.ToolOutput, error) {
	path, _ := inv.Arguments["path"].(string)
	resolved, err := t.resolver.Resolve(path)
	if err != nil {
		return models.FailedOutput(err.Error()), nil
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return models.FailedOutput(fmt.Sprintf("File %q does not exist.", path)), nil
		}
		return models.FailedOutput(fmt.Sprintf("stat %q: %v", path, err)), nil
	}
	if info.IsDir() {
		return models.FailedOutput(fmt.Sprintf("%q is a directory.", path)), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return models.FailedOutput(fmt.Sprintf("read %q: %v", path, err)), nil
	}

	content := string(data)
	if offset := intArg(inv.Arguments, "offset"); offset > 1 {
		lines := strings.SplitAfter(content, "\n")
		if offset > len(lines) {
			content = ""
		} else {
			content = strings.Join(lines[offset-1:], "")
		}
	}

	maxBytes := intArg(inv.Arguments, "max_bytes")
	if maxBytes <= 0 {
		maxBytes = defaultReadMaxBytes
	}
	truncated := false
	if len(content) > maxBytes {
		content = content[:maxBytes]
		truncated = true
	}

	return models.ToolOutput{
		Content: content,
		Success: true,
		Metadata: map[string]any{
			"path":      resolved,
			"size":      info.Size(),
			"truncated": truncated,
		},
	}, nil
}

// intArg reads a numeric argument that may arrive as int64 or float64.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
