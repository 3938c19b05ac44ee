package adapters

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/runforge/execore/pkg/models"
)

// FileOpAdapter performs filesystem operations on the worker host, for
// plans that stage artifacts next to local commands.
//
// Input contract: `operation` (read | write | append | delete | exists |
// mkdir), `path` (required), `content` for write/append, optional `mode`
// (octal int, default 0644 for files and 0755 for directories).
type FileOpAdapter struct{}

// NewFileOpAdapter creates the file-operation adapter.
func NewFileOpAdapter() *FileOpAdapter { return &FileOpAdapter{} }

func (a *FileOpAdapter) Type() models.StepType { return models.StepTypeFileOp }

func (a *FileOpAdapter) Execute(_ context.Context, req Request) (*Result, error) {
	path := inputString(req.Input, "path")
	if path == "" {
		return nil, errors.New("file operation requires input.path")
	}

	switch op := inputStringDefault(req.Input, "operation", "read"); op {
	case "read":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return &Result{ExitCode: intPtr(0), Stdout: string(data),
			Output: models.JSONMap{"path": path, "bytes": len(data)}}, nil
	case "write", "append":
		flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		if op == "append" {
			flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		}
		mode := os.FileMode(inputInt(req.Input, "mode", 0o644))
		f, err := os.OpenFile(path, flags, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		n, err := f.WriteString(inputString(req.Input, "content"))
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", path, err)
		}
		return &Result{ExitCode: intPtr(0), Output: models.JSONMap{"path": path, "bytes": n}}, nil
	case "delete":
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to delete %s: %w", path, err)
		}
		return &Result{ExitCode: intPtr(0), Output: models.JSONMap{"path": path, "deleted": true}}, nil
	case "exists":
		_, err := os.Stat(path)
		exists := err == nil
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		return &Result{ExitCode: intPtr(0), Output: models.JSONMap{"path": path, "exists": exists}}, nil
	case "mkdir":
		mode := os.FileMode(inputInt(req.Input, "mode", 0o755))
		if err := os.MkdirAll(path, mode); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", path, err)
		}
		return &Result{ExitCode: intPtr(0), Output: models.JSONMap{"path": path, "created": true}}, nil
	default:
		return nil, fmt.Errorf("unknown file operation %q", op)
	}
}
