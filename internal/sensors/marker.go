package sensors

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Marker-file conventions understood by MarkerProber. Sync state is carried
// in a JSON sidecar next to each file; folder-level activity is signalled by
// lock and error marker files.
const (
	StateSidecarSuffix = ".cloudstate"
	LockMarkerSuffix   = ".odlock"
	ErrorMarkerSuffix  = ".oderr"
	TempMarkerSuffix   = ".odtmp"
)

// sidecar is the JSON shape of a state sidecar file.
type sidecar struct {
	State     string `json:"state"` // cloud_only | locally_available | in_sync | uploading
	Pinned    bool   `json:"pinned"`
	Uploading bool   `json:"uploading,omitempty"`
}

// MarkerProber implements FileProber over sidecar marker files.
type MarkerProber struct{}

// NewMarkerProber creates a marker-file prober.
func NewMarkerProber() *MarkerProber {
	return &MarkerProber{}
}

// IsMarker reports whether name is one of the marker conventions and should
// be excluded from file enumeration.
func IsMarker(name string) bool {
	return strings.HasSuffix(name, StateSidecarSuffix) ||
		strings.HasSuffix(name, LockMarkerSuffix) ||
		strings.HasSuffix(name, ErrorMarkerSuffix) ||
		strings.HasSuffix(name, TempMarkerSuffix)
}

func (p *MarkerProber) DirectoryExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (p *MarkerProber) ListDir(path string) ([]FileInfo, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var out []FileInfo
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			// Vanished mid-listing.
			continue
		}
		out = append(out, FileInfo{
			Path:    filepath.Join(path, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			IsDir:   entry.IsDir(),
		})
	}
	return out, nil
}

func (p *MarkerProber) Walk(ctx context.Context, root string) ([]FileInfo, error) {
	var out []FileInfo
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// Access problems degrade to a partial listing.
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() || IsMarker(info.Name()) {
			return nil
		}
		out = append(out, FileInfo{
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

// ReadAttributes reads the sidecar for path. A file without a sidecar has
// zero attributes, which the detector treats as local-only content.
func (p *MarkerProber) ReadAttributes(path string) (FileAttributes, error) {
	raw, err := os.ReadFile(path + StateSidecarSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return FileAttributes{}, nil
		}
		return FileAttributes{}, err
	}
	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return FileAttributes{}, err
	}
	attrs := FileAttributes{Pinned: sc.Pinned}
	switch sc.State {
	case "cloud_only":
		attrs.Placeholder = true
		attrs.Uploaded = true
	case "locally_available", "in_sync":
		attrs.Uploaded = true
	case "uploading":
		attrs.Uploading = true
	}
	if sc.Uploading {
		attrs.Uploading = true
	}
	return attrs, nil
}

// WriteSidecar records a file's sync state in its sidecar. Used by tests and
// the demo environment to stage folder contents.
func WriteSidecar(path, state string, pinned bool) error {
	raw, err := json.Marshal(sidecar{State: state, Pinned: pinned})
	if err != nil {
		return err
	}
	return os.WriteFile(path+StateSidecarSuffix, raw, 0o644)
}

var _ FileProber = (*MarkerProber)(nil)
