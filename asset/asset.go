// Package asset embeds the Python tool source and its pip requirements so
// the deploy pipeline can ship them without any files on disk.
package asset

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// ToolFileName is the file name the tool import step references.
	ToolFileName = "search_tool.py"
	// RequirementsFileName is the pip requirements file for the tool.
	RequirementsFileName = "requirements.txt"
)

//go:embed search_tool.py
var toolSource []byte

//go:embed requirements.txt
var requirements []byte

// ToolSource returns the embedded Python tool source.
func ToolSource() []byte {
	return append([]byte(nil), toolSource...)
}

// Requirements returns the embedded pip requirements.
func Requirements() []byte {
	return append([]byte(nil), requirements...)
}

// Export writes the tool source and requirements into dir and returns the
// written paths, tool file first. Existing files are only replaced when
// force is set.
func Export(dir string, force bool) ([]string, error) {
	if dir == "" {
		return nil, errors.New("asset: export directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("asset: create export directory: %w", err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{name: ToolFileName, data: toolSource},
		{name: RequirementsFileName, data: requirements},
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if !force {
			if _, err := os.Stat(path); err == nil {
				return nil, fmt.Errorf("asset: %s already exists (use force to overwrite)", path)
			} else if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("asset: stat %s: %w", path, err)
			}
		}
		if err := os.WriteFile(path, f.data, 0o600); err != nil {
			return nil, fmt.Errorf("asset: write %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
