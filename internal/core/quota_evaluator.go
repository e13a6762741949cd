package core

import (
	"fmt"

	"github.com/resetprep/resetprep/internal/config"
	"github.com/resetprep/resetprep/internal/model"
)

// QuotaEvaluator grades a user's cloud quota against their backup needs.
type QuotaEvaluator struct {
	cfg config.QuotaConfig
}

// NewQuotaEvaluator creates an evaluator with the configured thresholds.
func NewQuotaEvaluator(cfg config.QuotaConfig) *QuotaEvaluator {
	return &QuotaEvaluator{cfg: cfg}
}

// Evaluate fills the derived fields of a quota snapshot: usage percentage,
// health tier, backup feasibility, shortfall, and the user-facing issues and
// recommendations. Raw fields (total, used, available, required) must be set
// by the caller.
func (e *QuotaEvaluator) Evaluate(q *model.QuotaStatus) {
	q.Issues = nil
	q.Recommendations = nil

	if q.TotalSpaceMB <= 0 {
		q.HealthLevel = model.QuotaUnknown
		q.UsagePercentage = 0
		q.CanAccommodateBackup = false
		q.Issues = append(q.Issues, "cloud storage quota could not be determined")
		q.Recommendations = append(q.Recommendations, "Verify the sync client is signed in and retry")
		return
	}

	q.UsagePercentage = float64(q.UsedSpaceMB) / float64(q.TotalSpaceMB) * 100
	q.CanAccommodateBackup = q.AvailableSpaceMB >= q.RequiredSpaceMB
	q.ShortfallMB = q.RequiredSpaceMB - q.AvailableSpaceMB
	if q.ShortfallMB < 0 {
		q.ShortfallMB = 0
	}

	switch {
	case q.UsedSpaceMB >= q.TotalSpaceMB:
		q.HealthLevel = model.QuotaExceeded
	case q.UsagePercentage >= e.cfg.CriticalThreshold,
		!q.CanAccommodateBackup && q.ShortfallMB > e.cfg.MinimumFreeSpaceMB:
		q.HealthLevel = model.QuotaCritical
	case q.UsagePercentage >= e.cfg.WarningThreshold,
		q.AvailableSpaceMB < e.cfg.MinimumFreeSpaceMB:
		q.HealthLevel = model.QuotaHealthWarning
	default:
		q.HealthLevel = model.QuotaGood
	}

	e.describe(q)
}

// describe derives the user-facing issue and recommendation lists.
func (e *QuotaEvaluator) describe(q *model.QuotaStatus) {
	switch q.HealthLevel {
	case model.QuotaExceeded:
		q.Issues = append(q.Issues, "cloud storage quota is exhausted; nothing more can sync")
		q.Recommendations = append(q.Recommendations,
			"Free up cloud storage immediately or request a quota increase from IT")
	case model.QuotaCritical:
		q.Issues = append(q.Issues,
			fmt.Sprintf("cloud storage is %.0f%% full", q.UsagePercentage))
		q.Recommendations = append(q.Recommendations,
			"Delete large unneeded files from cloud storage before the backup runs")
	case model.QuotaHealthWarning:
		q.Issues = append(q.Issues,
			fmt.Sprintf("cloud storage is filling up (%.0f%% used, %d MB free)",
				q.UsagePercentage, q.AvailableSpaceMB))
		q.Recommendations = append(q.Recommendations,
			"Review cloud storage usage and remove files you no longer need")
	}

	if !q.CanAccommodateBackup {
		q.Issues = append(q.Issues,
			fmt.Sprintf("backup needs %d MB but only %d MB is available (short %d MB)",
				q.RequiredSpaceMB, q.AvailableSpaceMB, q.ShortfallMB))
		q.Recommendations = append(q.Recommendations,
			fmt.Sprintf("Free at least %d MB of cloud storage, or ask IT to raise the quota", q.ShortfallMB))
	} else if q.AvailableSpaceMB < e.cfg.MinimumFreeSpaceMB {
		q.Issues = append(q.Issues,
			fmt.Sprintf("free space is below the %d MB minimum", e.cfg.MinimumFreeSpaceMB))
	}
}
