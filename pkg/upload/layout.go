package upload

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout resolves the on-disk directory contract under the ingest root:
//
//	{root}/upload/{uuid}/     raw inputs as uploaded
//	{root}/converted/{uuid}/  converter outputs
//	{root}/sync/{uuid}/       remote-source landing
//	{root}/tmp/{session}/     per-session chunk spool
type Layout struct {
	Root string
}

// NewLayout creates the layout and its top-level directories
func NewLayout(root string) (*Layout, error) {
	l := &Layout{Root: root}
	for _, dir := range []string{l.UploadRoot(), l.ConvertedRoot(), l.SyncRoot(), l.SpoolRoot(), l.LogRoot()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create layout directory %s: %w", dir, err)
		}
	}
	return l, nil
}

func (l *Layout) UploadRoot() string    { return filepath.Join(l.Root, "upload") }
func (l *Layout) ConvertedRoot() string { return filepath.Join(l.Root, "converted") }
func (l *Layout) SyncRoot() string      { return filepath.Join(l.Root, "sync") }
func (l *Layout) SpoolRoot() string     { return filepath.Join(l.Root, "tmp") }
func (l *Layout) LogRoot() string       { return filepath.Join(l.Root, "logs") }

// DatasetDir is the raw-input area for one dataset
func (l *Layout) DatasetDir(uuid string) string {
	return filepath.Join(l.UploadRoot(), uuid)
}

// ConvertedDir is the converter output area for one dataset
func (l *Layout) ConvertedDir(uuid string) string {
	return filepath.Join(l.ConvertedRoot(), uuid)
}

// SyncDir is the remote-source landing area for one dataset
func (l *Layout) SyncDir(uuid string) string {
	return filepath.Join(l.SyncRoot(), uuid)
}

// SessionDir is the chunk spool for one upload session
func (l *Layout) SessionDir(sessionID string) string {
	return filepath.Join(l.SpoolRoot(), sessionID)
}

// JobLogPath names the captured converter output for one dataset
func (l *Layout) JobLogPath(uuid string) string {
	return filepath.Join(l.LogRoot(), uuid+".log")
}

// ChunkPath names one spooled chunk by zero-padded index
func (l *Layout) ChunkPath(sessionID string, index int) string {
	return filepath.Join(l.SessionDir(sessionID), fmt.Sprintf("chunk_%06d", index))
}
