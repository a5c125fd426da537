package source

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ahmethakanbesel/series-ingest/internal/window"
)

// Archive writes raw response bodies to <dir>/<DATASET>/<YYYY-MM-DD>_<HHMMSS>.<ext>,
// named after the window start.
type Archive struct {
	dir string
}

// NewArchive returns an Archive rooted at dir.
func NewArchive(dir string) *Archive {
	return &Archive{dir: dir}
}

// Save writes body and returns the file path.
func (a *Archive) Save(datasetID string, w window.Window, ext string, body []byte) (string, error) {
	name := strings.ToUpper(filepath.Base(datasetID))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "", fmt.Errorf("invalid dataset id %q", datasetID)
	}
	dir := filepath.Join(a.dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	from := w.From.UTC()
	path := filepath.Join(dir, from.Format("2006-01-02")+"_"+from.Format("150405")+"."+ext)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	return path, nil
}
