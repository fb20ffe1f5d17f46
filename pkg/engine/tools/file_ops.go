package tools

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"AgentEngine/pkg/engine/api"
)

// DeleteFileTool removes a file from the workspace.
type DeleteFileTool struct {
	BaseTool
	workspaceRoot string
}

// NewDeleteFileTool creates a new delete_file tool.
func NewDeleteFileTool(workspaceRoot string) *DeleteFileTool {
	return &DeleteFileTool{
		BaseTool: NewBaseTool(
			"delete_file",
			"Delete a file from the workspace. Refuses to delete directories.",
			[]ParameterDef{
				{Name: "path", Type: "string", Description: "Path to the file to delete (relative to workspace)", Required: true},
			},
			api.RiskHigh,
		),
		workspaceRoot: workspaceRoot,
	}
}

func (t *DeleteFileTool) Execute(ctx context.Context, args api.Args, ictx api.InvocationCtx) (api.ToolResult, error) {
	_ = ictx
	path := GetStringArg(args, "path", "")
	if path == "" {
		return toolErrorf("path is required"), nil
	}

	absPath, err := resolvePathInWorkspace(t.workspaceRoot, path)
	if err != nil {
		return toolError(err), nil
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return toolErrorf("file does not exist: %s", path), nil
		}
		return toolError(err), nil
	}
	if info.IsDir() {
		return toolErrorf("refusing to delete a directory: %s", path), nil
	}

	if err := os.Remove(absPath); err != nil {
		return toolError(err), nil
	}
	return successText("deleted: " + path), nil
}

func (t *DeleteFileTool) Preview(ctx context.Context, args api.Args) (*api.Preview, error) {
	path := GetStringArg(args, "path", "")
	absPath, err := resolvePathInWorkspace(t.workspaceRoot, path)
	affected := absPath
	if err != nil {
		affected = "<invalid path: " + err.Error() + ">"
	}
	return &api.Preview{
		Kind:     api.PreviewFiles,
		Summary:  "Delete file: " + path,
		Affected: []string{affected},
		RiskHint: "This operation permanently removes the file.",
	}, nil
}

// MoveFileTool renames or relocates a file within the workspace.
type MoveFileTool struct {
	BaseTool
	workspaceRoot string
}

// NewMoveFileTool creates a new move_file tool.
func NewMoveFileTool(workspaceRoot string) *MoveFileTool {
	return &MoveFileTool{
		BaseTool: NewBaseTool(
			"move_file",
			"Move or rename a file within the workspace. Creates destination parent directories as needed.",
			[]ParameterDef{
				{Name: "source", Type: "string", Description: "Current path of the file (relative to workspace)", Required: true},
				{Name: "destination", Type: "string", Description: "New path for the file (relative to workspace)", Required: true},
			},
			api.RiskHigh,
		),
		workspaceRoot: workspaceRoot,
	}
}

func (t *MoveFileTool) Execute(ctx context.Context, args api.Args, ictx api.InvocationCtx) (api.ToolResult, error) {
	_ = ictx
	source := GetStringArg(args, "source", "")
	dest := GetStringArg(args, "destination", "")
	if source == "" || dest == "" {
		return toolErrorf("source and destination are required"), nil
	}

	absSource, err := resolvePathInWorkspace(t.workspaceRoot, source)
	if err != nil {
		return toolError(err), nil
	}
	if _, err := os.Stat(absSource); err != nil {
		if os.IsNotExist(err) {
			return toolErrorf("source does not exist: %s", source), nil
		}
		return toolError(err), nil
	}

	absDest, err := resolvePathInWorkspace(t.workspaceRoot, dest)
	if err != nil {
		return toolError(err), nil
	}
	if err := os.MkdirAll(filepath.Dir(absDest), 0755); err != nil {
		return toolErrorf("failed to create directory %s: %v", filepath.Dir(absDest), err), nil
	}
	if err := os.Rename(absSource, absDest); err != nil {
		return toolError(err), nil
	}
	return successText(fmt.Sprintf("moved %s -> %s", source, dest)), nil
}

func (t *MoveFileTool) Preview(ctx context.Context, args api.Args) (*api.Preview, error) {
	source := GetStringArg(args, "source", "")
	dest := GetStringArg(args, "destination", "")
	return &api.Preview{
		Kind:     api.PreviewFiles,
		Summary:  fmt.Sprintf("Move file: %s -> %s", source, dest),
		Affected: []string{source, dest},
		RiskHint: "This operation relocates a file on disk.",
	}, nil
}

// CopyFileTool duplicates a file within the workspace.
type CopyFileTool struct {
	BaseTool
	workspaceRoot string
}

// NewCopyFileTool creates a new copy_file tool.
func NewCopyFileTool(workspaceRoot string) *CopyFileTool {
	return &CopyFileTool{
		BaseTool: NewBaseTool(
			"copy_file",
			"Copy a file to a new path within the workspace. Creates destination parent directories as needed.",
			[]ParameterDef{
				{Name: "source", Type: "string", Description: "Path of the file to copy (relative to workspace)", Required: true},
				{Name: "destination", Type: "string", Description: "Path to copy the file to (relative to workspace)", Required: true},
			},
			api.RiskHigh,
		),
		workspaceRoot: workspaceRoot,
	}
}

func (t *CopyFileTool) Execute(ctx context.Context, args api.Args, ictx api.InvocationCtx) (api.ToolResult, error) {
	_ = ictx
	source := GetStringArg(args, "source", "")
	dest := GetStringArg(args, "destination", "")
	if source == "" || dest == "" {
		return toolErrorf("source and destination are required"), nil
	}

	absSource, err := resolvePathInWorkspace(t.workspaceRoot, source)
	if err != nil {
		return toolError(err), nil
	}
	info, err := os.Stat(absSource)
	if err != nil {
		if os.IsNotExist(err) {
			return toolErrorf("source does not exist: %s", source), nil
		}
		return toolError(err), nil
	}
	if info.IsDir() {
		return toolErrorf("refusing to copy a directory: %s", source), nil
	}

	absDest, err := resolvePathInWorkspace(t.workspaceRoot, dest)
	if err != nil {
		return toolError(err), nil
	}
	if err := os.MkdirAll(filepath.Dir(absDest), 0755); err != nil {
		return toolErrorf("failed to create directory %s: %v", filepath.Dir(absDest), err), nil
	}

	in, err := os.Open(absSource)
	if err != nil {
		return toolError(err), nil
	}
	defer in.Close()

	out, err := os.OpenFile(absDest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return toolError(err), nil
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return toolError(err), nil
	}
	return successText(fmt.Sprintf("copied %s -> %s", source, dest)), nil
}

func (t *CopyFileTool) Preview(ctx context.Context, args api.Args) (*api.Preview, error) {
	source := GetStringArg(args, "source", "")
	dest := GetStringArg(args, "destination", "")
	return &api.Preview{
		Kind:     api.PreviewFiles,
		Summary:  fmt.Sprintf("Copy file: %s -> %s", source, dest),
		Affected: []string{source, dest},
		RiskHint: "This operation writes a new file on disk.",
	}, nil
}
