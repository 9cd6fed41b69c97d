// Copyright (c) OpenMMLab. All rights reserved.

// Package utils provides helpers for reading batch manifests
package utils

import (
	"encoding/json"
	"fmt"
	"os"
)

// ManifestEntry is one operation in a batch manifest file.
// Content holds inline data; Source points at a file whose bytes are
// persisted instead. Exactly one of the two should be set.
type ManifestEntry struct {
	Path     string `json:"path"`
	Content  string `json:"content,omitempty"`
	Source   string `json:"source,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// ReadManifestFromFile reads a JSON batch manifest.
//
// The file holds an array of entries:
//
//	[{"path": "out/a.yaml", "content": "..."},
//	 {"path": "out/b.json", "source": "build/b.json", "priority": 5}]
//
// Returns:
//   - []ManifestEntry: the parsed operations.
//   - error: an error if reading or parsing fails.
func ReadManifestFromFile(filePath string) ([]ManifestEntry, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("unable to open manifest file: %w", err)
	}

	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error parsing manifest file: %w", err)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("manifest file is empty or malformed")
	}
	for i, entry := range entries {
		if entry.Path == "" {
			return nil, fmt.Errorf("manifest entry %d has no path", i)
		}
		if entry.Content != "" && entry.Source != "" {
			return nil, fmt.Errorf("manifest entry %d sets both content and source", i)
		}
	}

	return entries, nil
}

// LoadEntryData returns the bytes an entry persists, reading Source
// when the content is not inline.
func LoadEntryData(entry ManifestEntry) ([]byte, error) {
	if entry.Source == "" {
		return []byte(entry.Content), nil
	}
	data, err := os.ReadFile(entry.Source)
	if err != nil {
		return nil, fmt.Errorf("unable to read source file %s: %w", entry.Source, err)
	}
	return data, nil
}
