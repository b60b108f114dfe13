package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"tgbatch/internal/domain"
)

// documentFileType is the file_id type of a plain document.
const documentFileType int32 = 5

// ManifestPattern matches temporary manifest files left in the manifest dir.
const ManifestPattern = "batch_*.json"

func manifestName(ownerID int64, msgID int) string {
	return fmt.Sprintf("batch_%d_%d.json", ownerID, msgID)
}

// writeManifest writes entries as an indented JSON array. Non-ASCII text is
// written as-is.
func writeManifest(dir string, ownerID int64, msgID int, entries []domain.BatchEntry) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	path := filepath.Join(dir, manifestName(ownerID, msgID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// ParseManifest decodes a manifest and drops entries without a file id.
func ParseManifest(data []byte) ([]domain.BatchEntry, error) {
	var entries []domain.BatchEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	out := entries[:0]
	for _, entry := range entries {
		if entry.FileID == "" {
			continue
		}
		out = append(out, entry)
	}
	if len(out) == 0 {
		return nil, errors.New("manifest has no files")
	}
	return out, nil
}
