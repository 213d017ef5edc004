package upload

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ExpandArchive unpacks a zip archive into the dataset file area and
// removes the archive afterwards. Entry paths are confined to destDir;
// entries that escape it are rejected.
func ExpandArchive(archivePath, destDir string) ([]string, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer reader.Close()

	var extracted []string
	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		rel := filepath.Clean(entry.Name)
		if strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
			return nil, fmt.Errorf("archive entry escapes dataset directory: %s", entry.Name)
		}
		dest := filepath.Join(destDir, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return nil, fmt.Errorf("failed to create entry directory: %w", err)
		}

		src, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open archive entry %s: %w", entry.Name, err)
		}
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			src.Close()
			return nil, fmt.Errorf("failed to create %s: %w", dest, err)
		}
		_, err = io.Copy(out, src)
		src.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", entry.Name, err)
		}
		extracted = append(extracted, rel)
	}

	if err := os.Remove(archivePath); err != nil {
		return nil, fmt.Errorf("failed to remove archive after extraction: %w", err)
	}
	return extracted, nil
}
