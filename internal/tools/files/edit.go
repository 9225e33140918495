package files

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rho-agent/rho/pkg/models"
)

// EditTool performs exact string replacement in an existing file.
type EditTool struct {
	resolver Resolver
}

// NewEditTool returns an edit_file tool rooted at workdir.
func NewEditTool(workdir string) *EditTool {
	return &EditTool{resolver: Resolver{Root: workdir}}
}

func (t *EditTool) Name() string { return "edit_file" }

func (t *EditTool) Description() string {
	return "Replace an exact string in an existing file. The old string must appear exactly once unless replace_all is set."
}

func (t *EditTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file, relative to the working directory.",
			},
			"old_string": map[string]any{
				"type":        "string",
				"description": "Exact text to replace.",
			},
			"new_string": map[string]any{
				"type":        "string",
				"description": "Replacement text.",
			},
			"replace_all": map[string]any{
				"type":        "boolean",
				"description": "Replace every occurrence instead of requiring a unique match.",
			},
		},
		"required": []any{"path", "old_string", "new_string"},
	}
}

func (t *EditTool) RequiresApproval() bool { return true }

func (t *EditTool) Enabled() bool { return true }

func (t *EditTool) Handle(ctx context.Context, inv models.ToolInvocation) (models.ToolOutput, error) {
	path, _ := inv.Arguments["path"].(string)
	oldStr, _ := inv.Arguments["old_string"].(string)
	newStr, _ := inv.Arguments["new_string"].(string)
	replaceAll, _ := inv.Arguments["replace_all"].(bool)

	if oldStr == "" {
		return models.FailedOutput("old_string is required"), nil
	}
	if oldStr == newStr {
		return models.FailedOutput("old_string and new_string are identical"), nil
	}
	resolved, err := t.resolver.Resolve(path)
	if err != nil {
		return models.FailedOutput(err.Error()), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return models.FailedOutput(fmt.Sprintf("File %q does not exist.", path)), nil
		}
		return models.FailedOutput(fmt.Sprintf("read %q: %v", path, err)), nil
	}

	content := string(data)
	count := strings.Count(content, oldStr)
	if count == 0 {
		return models.FailedOutput(fmt.Sprintf("old_string not found in %q.", path)), nil
	}
	if count > 1 && !replaceAll {
		return models.FailedOutput(fmt.Sprintf("old_string appears %d times in %q. Provide more context or set replace_all.", count, path)), nil
	}

	var updated string
	replaced := count
	if replaceAll {
		updated = strings.ReplaceAll(content, oldStr, newStr)
	} else {
		updated = strings.Replace(content, oldStr, newStr, 1)
		replaced = 1
	}
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return models.FailedOutput(fmt.Sprintf("write %q: %v", path, err)), nil
	}
	return models.ToolOutput{
		Content: fmt.Sprintf("Replaced %d occurrence(s) in %s.", replaced, path),
		Success: true,
		Metadata: map[string]any{
			"path":         resolved,
			"replacements": replaced,
		},
	}, nil
}
