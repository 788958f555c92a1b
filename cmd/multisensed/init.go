package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/seaborne/multisense/internal/defaults"
)

// runInit initializes a directory with the example node configuration.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing multisense node directory in %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "multisense.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit multisense.yaml to describe this board's sensor channels.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist. This ensures init never overwrites user
// customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	return os.WriteFile(path, content, 0o644)
}
