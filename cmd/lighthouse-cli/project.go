package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lighthouse-contracts/pledgeengine/internal/disk"
	"github.com/lighthouse-contracts/pledgeengine/internal/models"
)

// loadProject reads and decodes a previously saved project file directly,
// without standing up a full disk.Manager watch — sign-pledge only needs
// the project's target outputs, not its pledge directory.
func loadProject(dataDir string, id [32]byte) (*models.Project, error) {
	path := filepath.Join(dataDir, "projects", disk.ProjectFileName(id))
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return disk.DecodeProject(raw)
}
