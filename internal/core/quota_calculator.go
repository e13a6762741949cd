package core

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/resetprep/resetprep/internal/config"
	"github.com/resetprep/resetprep/internal/logging"
	"github.com/resetprep/resetprep/internal/model"
	"github.com/resetprep/resetprep/internal/sensors"
)

const bytesPerMB = 1024 * 1024

// profileFolders is the fixed set of user folders included in a backup.
var profileFolders = []string{
	"Desktop", "Documents", "Pictures", "Downloads", "Videos",
	"Music", "Favorites", "Links", "Contacts", "Searches",
}

// appDataPaths are the curated application data locations worth keeping.
var appDataPaths = []string{
	filepath.Join("AppData", "Local", "Google", "Chrome", "User Data", "Default"),
	filepath.Join("AppData", "Roaming", "Mozilla", "Firefox", "Profiles"),
	filepath.Join("AppData", "Local", "Microsoft", "Edge", "User Data", "Default"),
	filepath.Join("AppData", "Local", "Microsoft", "Outlook"),
	filepath.Join("AppData", "Roaming", "Microsoft", "Signatures"),
	filepath.Join("AppData", "Roaming", "Microsoft", "Templates"),
}

// compressionByExtension estimates the achievable compression ratio per
// file type. Text compresses well; media and archives barely at all.
var compressionByExtension = map[string]float64{
	".txt": 0.25, ".log": 0.2, ".csv": 0.25, ".xml": 0.25, ".html": 0.3,
	".json": 0.25, ".md": 0.3, ".ini": 0.3, ".sql": 0.25,
	".doc": 0.6, ".pdf": 0.85,
	".docx": 0.95, ".xlsx": 0.95, ".pptx": 0.95,
	".zip": 0.99, ".7z": 0.99, ".rar": 0.99, ".gz": 0.99,
	".jpg": 0.98, ".jpeg": 0.98, ".png": 0.97, ".gif": 0.97, ".heic": 0.98,
	".mp3": 0.98, ".mp4": 0.99, ".avi": 0.96, ".mkv": 0.99, ".mov": 0.99,
}

// unknownExtensionFactor covers extensions outside the table.
const unknownExtensionFactor = 0.7

// fallbackFloorMB and fallbackMultiplier shape the conservative estimate
// used when the profile cannot be probed.
const (
	fallbackFloorMB    = 2048
	fallbackMultiplier = 1.2
)

// maxPlausibleBackupMB rejects estimates above 500 GB as corrupt input.
const maxPlausibleBackupMB = 500 * 1024

// ProfileInfo identifies a user profile to size up.
type ProfileInfo struct {
	UserID string
	// RootPath is the profile directory (e.g. C:\Users\jdoe).
	RootPath string
	// KnownSizeMB is the last recorded profile size, used as the fallback
	// baseline when probing fails. Zero when unknown.
	KnownSizeMB int64
}

// QuotaCalculator estimates required backup size from a user's profile.
type QuotaCalculator struct {
	prober sensors.FileProber
	cfg    config.QuotaConfig
	log    *logging.Logger
	clock  func() time.Time
}

// NewQuotaCalculator creates a calculator.
func NewQuotaCalculator(prober sensors.FileProber, cfg config.QuotaConfig, log *logging.Logger) *QuotaCalculator {
	return &QuotaCalculator{prober: prober, cfg: cfg, log: log, clock: time.Now}
}

// EstimateBackupSize probes the profile's backed-up folders, subtracts
// temporary/cache content, applies the compression factor, and adds the
// safety margin. Probing failures degrade to a conservative profile-size
// estimate rather than an error.
func (qc *QuotaCalculator) EstimateBackupSize(ctx context.Context, profile ProfileInfo) (*model.BackupRequirements, error) {
	req := &model.BackupRequirements{
		UserID:          profile.UserID,
		FolderBreakdown: make(map[string]int64),
		LastCalculated:  qc.clock(),
	}

	if !qc.prober.DirectoryExists(profile.RootPath) {
		return qc.fallback(profile, req, "profile root missing"), nil
	}

	var totalMB, temporaryMB int64
	probed := false
	for _, rel := range append(append([]string{}, profileFolders...), appDataPaths...) {
		folder := filepath.Join(profile.RootPath, rel)
		if !qc.prober.DirectoryExists(folder) {
			continue
		}
		files, err := qc.prober.Walk(ctx, folder)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			qc.log.Printf("failed to probe %s: %v", folder, err)
			continue
		}
		probed = true
		var folderBytes int64
		for _, f := range files {
			folderBytes += f.Size
			if qc.isTemporary(profile.RootPath, f.Path) {
				temporaryMB += f.Size
			}
		}
		mb := folderBytes / bytesPerMB
		req.FolderBreakdown[rel] = mb
		totalMB += mb
	}
	temporaryMB /= bytesPerMB

	if !probed {
		return qc.fallback(profile, req, "no profile folder reachable"), nil
	}

	req.ProfileSizeMB = totalMB
	req.EstimatedBackupSizeMB = totalMB - temporaryMB
	if req.EstimatedBackupSizeMB < 0 {
		req.EstimatedBackupSizeMB = 0
	}

	req.CompressionFactor = qc.sampleCompressionFactor(ctx, filepath.Join(profile.RootPath, "Documents"))
	req.RequiredSpaceMB = int64(float64(req.EstimatedBackupSizeMB)*req.CompressionFactor) + qc.cfg.SafetyMarginMB
	return req, nil
}

// fallback produces the conservative estimate when probing is impossible.
func (qc *QuotaCalculator) fallback(profile ProfileInfo, req *model.BackupRequirements, cause string) *model.BackupRequirements {
	qc.log.Printf("backup estimate falling back for %s: %s", profile.UserID, cause)
	base := profile.KnownSizeMB
	if base < fallbackFloorMB {
		base = fallbackFloorMB
	}
	req.ProfileSizeMB = profile.KnownSizeMB
	req.EstimatedBackupSizeMB = int64(float64(base) * fallbackMultiplier)
	req.CompressionFactor = qc.cfg.DefaultCompressionFactor
	req.RequiredSpaceMB = int64(float64(req.EstimatedBackupSizeMB)*req.CompressionFactor) + qc.cfg.SafetyMarginMB
	return req
}

// isTemporary matches a path against the configured temporary/cache globs.
func (qc *QuotaCalculator) isTemporary(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range qc.cfg.ExcludeGlobs {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// sampleCompressionFactor estimates a size-weighted compression factor from
// up to the configured number of files in folder. An unsampleable folder
// yields the configured default.
func (qc *QuotaCalculator) sampleCompressionFactor(ctx context.Context, folder string) float64 {
	if !qc.prober.DirectoryExists(folder) {
		return qc.cfg.DefaultCompressionFactor
	}
	files, err := qc.prober.Walk(ctx, folder)
	if err != nil || len(files) == 0 {
		return qc.cfg.DefaultCompressionFactor
	}
	if len(files) > qc.cfg.SampleLimit {
		files = files[:qc.cfg.SampleLimit]
	}
	var weighted float64
	var totalBytes int64
	for _, f := range files {
		factor, ok := compressionByExtension[strings.ToLower(filepath.Ext(f.Path))]
		if !ok {
			factor = unknownExtensionFactor
		}
		weighted += factor * float64(f.Size)
		totalBytes += f.Size
	}
	if totalBytes == 0 {
		return qc.cfg.DefaultCompressionFactor
	}
	return weighted / float64(totalBytes)
}

// ValidateRequirements rejects estimates no real profile could produce.
func (qc *QuotaCalculator) ValidateRequirements(req *model.BackupRequirements) error {
	if req == nil {
		return fmt.Errorf("validate requirements: nil requirements")
	}
	if req.EstimatedBackupSizeMB < 0 || req.RequiredSpaceMB < 0 || req.ProfileSizeMB < 0 {
		return fmt.Errorf("validate requirements: negative space for %s", req.UserID)
	}
	if req.CompressionFactor < 0.1 || req.CompressionFactor > 1.0 {
		return fmt.Errorf("validate requirements: compression factor %.2f outside [0.1, 1.0]", req.CompressionFactor)
	}
	if req.EstimatedBackupSizeMB > maxPlausibleBackupMB {
		return fmt.Errorf("validate requirements: %d MB exceeds plausible backup size", req.EstimatedBackupSizeMB)
	}
	return nil
}
