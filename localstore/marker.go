// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// VersionMarker persists the local schema version outside the database, so a
// version bump can be detected before the database is opened.
type VersionMarker interface {
	// Load returns the stored version; ok is false when nothing was stored yet.
	Load() (version int, ok bool, err error)
	Save(version int) error
}

// FileMarker stores the schema version in a small JSON file
type FileMarker struct {
	Path string
}

type markerFile struct {
	SchemaVersion int `json:"schema_version"`
}

// MarkerFor returns the default marker for a database path (<path>.version)
func MarkerFor(dbPath string) *FileMarker {
	return &FileMarker{Path: dbPath + ".version"}
}

func (m *FileMarker) Load() (int, bool, error) {
	b, err := os.ReadFile(m.Path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read %s: %w", m.Path, err)
	}
	var mf markerFile
	if err := json.Unmarshal(b, &mf); err != nil {
		// An unreadable marker is treated as "unknown version": the store gets rebuilt.
		return 0, false, nil
	}
	return mf.SchemaVersion, true, nil
}

func (m *FileMarker) Save(version int) error {
	b, err := json.Marshal(markerFile{SchemaVersion: version})
	if err != nil {
		return fmt.Errorf("failed to marshal schema marker: %w", err)
	}
	if dir := filepath.Dir(m.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create marker directory: %w", err)
		}
	}
	tmp := m.Path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, m.Path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", m.Path, err)
	}
	return nil
}
