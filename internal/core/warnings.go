package core

import (
	"context"
	"fmt"
	"time"

	"github.com/resetprep/resetprep/internal/config"
	"github.com/resetprep/resetprep/internal/logging"
	"github.com/resetprep/resetprep/internal/model"
	"github.com/resetprep/resetprep/internal/store"
)

// largeShortfallMB marks a shortfall the user cannot realistically clear by
// deleting files; past it an escalation is warranted outright.
const largeShortfallMB = 10 * 1024

// staleCriticalAge is how long a critical warning may sit unresolved before
// it counts toward the lingering-warnings escalation condition.
const staleCriticalAge = 24 * time.Hour

// lingeringCriticalCount is how many stale critical warnings trip an
// escalation.
const lingeringCriticalCount = 3

// WarningManager derives quota warnings from an evaluated quota snapshot,
// deduplicates them, and escalates users whose warnings go nowhere.
type WarningManager struct {
	store store.Store
	cfg   config.WarningConfig
	quota config.QuotaConfig
	log   *logging.Logger
	clock func() time.Time
}

// NewWarningManager creates a manager. The quota thresholds decide the
// high-usage warning levels.
func NewWarningManager(st store.Store, cfg config.WarningConfig, quota config.QuotaConfig, log *logging.Logger) *WarningManager {
	return &WarningManager{store: st, cfg: cfg, quota: quota, log: log, clock: time.Now}
}

// SetClock injects a deterministic clock for tests.
func (m *WarningManager) SetClock(clock func() time.Time) {
	if clock != nil {
		m.clock = clock
	}
}

// candidateWarning is one condition check's output before dedup.
type candidateWarning struct {
	level   model.WarningLevel
	typ     model.WarningType
	message string
}

// CheckConditions inspects an evaluated quota snapshot, raises any warnings
// that are due, and returns the warnings created this pass. Conditions are
// independent; one snapshot can raise several warnings.
func (m *WarningManager) CheckConditions(ctx context.Context, q *model.QuotaStatus) ([]*model.QuotaWarning, error) {
	existing, err := m.store.ListQuotaWarnings(ctx, q.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list warnings for %s: %w", q.UserID, err)
	}

	var created []*model.QuotaWarning
	for _, cand := range m.evaluateConditions(q) {
		if m.suppressed(existing, cand.typ) {
			continue
		}
		w := &model.QuotaWarning{
			UserID:    q.UserID,
			Level:     cand.level,
			Type:      cand.typ,
			Message:   cand.message,
			CreatedAt: m.clock(),
		}
		if err := m.store.PutQuotaWarning(ctx, w); err != nil {
			return created, fmt.Errorf("failed to record warning for %s: %w", q.UserID, err)
		}
		created = append(created, w)
		m.log.Printf("warning raised for %s: %s (%s)", q.UserID, cand.typ, cand.level)

		if err := m.maybeEscalateRepeats(ctx, q.UserID, cand.typ, existing); err != nil {
			return created, err
		}
	}

	if m.cfg.AutoEscalation {
		if err := m.ConsiderEscalation(ctx, q); err != nil {
			return created, err
		}
	}
	return created, nil
}

// evaluateConditions derives the candidate warnings for a snapshot. Each
// condition stands on its own.
func (m *WarningManager) evaluateConditions(q *model.QuotaStatus) []candidateWarning {
	var out []candidateWarning

	if q.HealthLevel == model.QuotaUnknown {
		out = append(out, candidateWarning{
			level:   model.WarnInfo,
			typ:     model.WarnConfigurationIssue,
			message: "Cloud storage quota could not be read; check the sync client sign-in",
		})
		return out
	}

	if q.HealthLevel == model.QuotaExceeded {
		out = append(out, candidateWarning{
			level:   model.WarnEmergency,
			typ:     model.WarnQuotaExceeded,
			message: "Cloud storage is full. Files can no longer sync until space is freed.",
		})
	}

	if q.UsagePercentage >= m.quota.WarningThreshold {
		level := model.WarnWarning
		if q.UsagePercentage >= m.quota.CriticalThreshold {
			level = model.WarnCritical
		}
		out = append(out, candidateWarning{
			level:   level,
			typ:     model.WarnHighUsage,
			message: fmt.Sprintf("Cloud storage is %.0f%% full. Free up space to keep your files syncing.", q.UsagePercentage),
		})
	}

	if !q.CanAccommodateBackup {
		out = append(out, candidateWarning{
			level: model.WarnWarning,
			typ:   model.WarnInsufficientSpace,
			message: fmt.Sprintf("Your backup needs %d MB but only %d MB is free. Free %d MB to proceed.",
				q.RequiredSpaceMB, q.AvailableSpaceMB, q.ShortfallMB),
		})
	}

	// A backup claiming over half the quota needs IT attention even while it
	// still fits.
	if q.RequiredSpaceMB > q.TotalSpaceMB/2 {
		out = append(out, candidateWarning{
			level: model.WarnCritical,
			typ:   model.WarnBackupTooLarge,
			message: fmt.Sprintf("Your backup needs %d MB, over half the %d MB quota. IT assistance is likely required.",
				q.RequiredSpaceMB, q.TotalSpaceMB),
		})
	}

	if q.UsedSpaceMB+q.RequiredSpaceMB > q.TotalSpaceMB {
		out = append(out, candidateWarning{
			level:   model.WarnWarning,
			typ:     model.WarnPredictedShortfall,
			message: "Cloud storage is projected to run out before the backup finishes uploading.",
		})
	}

	return out
}

// suppressed reports whether a warning of this type must not be raised: an
// unresolved one already exists, or one was resolved within the cooldown.
func (m *WarningManager) suppressed(existing []*model.QuotaWarning, typ model.WarningType) bool {
	now := m.clock()
	for _, w := range existing {
		if w.Type != typ {
			continue
		}
		if !w.IsResolved {
			return true
		}
		if w.ResolvedAt != nil && now.Sub(*w.ResolvedAt) < m.cfg.Cooldown {
			return true
		}
	}
	return false
}

// maybeEscalateRepeats escalates a user whose warnings of one type keep
// getting resolved and re-raised.
func (m *WarningManager) maybeEscalateRepeats(ctx context.Context, userID string, typ model.WarningType, existing []*model.QuotaWarning) error {
	resolved := 0
	for _, w := range existing {
		if w.Type == typ && w.IsResolved {
			resolved++
		}
	}
	if resolved < m.cfg.RepeatEscalationCount {
		return nil
	}
	if open, err := m.hasOpenEscalation(ctx, userID, model.TriggerRepeatedWarnings); err != nil || open {
		return err
	}
	esc := &model.ITEscalation{
		UserID:        userID,
		TriggerType:   model.TriggerRepeatedWarnings,
		Reason:        fmt.Sprintf("Warning %q raised %d times despite resolution", typ, resolved+1),
		AutoTriggered: true,
	}
	if err := m.store.PutEscalation(ctx, esc); err != nil {
		return fmt.Errorf("failed to escalate repeated warnings for %s: %w", userID, err)
	}
	m.log.Printf("escalated repeated %s warnings for %s", typ, userID)
	return nil
}

// ConsiderEscalation checks the quota-driven escalation conditions and opens
// a quota escalation when one holds. Idempotent while an escalation of the
// same trigger stays open.
func (m *WarningManager) ConsiderEscalation(ctx context.Context, q *model.QuotaStatus) error {
	reason := m.escalationReason(ctx, q)
	if reason == "" {
		return nil
	}
	if open, err := m.hasOpenEscalation(ctx, q.UserID, model.TriggerQuotaExceeded); err != nil || open {
		return err
	}
	esc := &model.ITEscalation{
		UserID:        q.UserID,
		TriggerType:   model.TriggerQuotaExceeded,
		Reason:        reason,
		Details:       fmt.Sprintf("used %d/%d MB, required %d MB, shortfall %d MB", q.UsedSpaceMB, q.TotalSpaceMB, q.RequiredSpaceMB, q.ShortfallMB),
		AutoTriggered: true,
	}
	if err := m.store.PutEscalation(ctx, esc); err != nil {
		return fmt.Errorf("failed to escalate quota for %s: %w", q.UserID, err)
	}
	m.log.Printf("escalated quota for %s: %s", q.UserID, reason)
	return nil
}

// escalationReason returns why the quota state warrants IT, or "".
func (m *WarningManager) escalationReason(ctx context.Context, q *model.QuotaStatus) string {
	if q.HealthLevel == model.QuotaExceeded {
		return "Cloud storage quota exhausted"
	}
	if q.HealthLevel == model.QuotaCritical {
		return "Cloud storage critically low"
	}
	if !q.CanAccommodateBackup && q.ShortfallMB > largeShortfallMB {
		return "Backup cannot fit within available cloud storage"
	}
	if n := m.staleCriticalWarnings(ctx, q.UserID); n >= lingeringCriticalCount {
		return fmt.Sprintf("%d critical storage warnings unresolved for over 24 hours", n)
	}
	return ""
}

// staleCriticalWarnings counts unresolved critical-or-worse warnings older
// than the stale age.
func (m *WarningManager) staleCriticalWarnings(ctx context.Context, userID string) int {
	warnings, err := m.store.ListQuotaWarnings(ctx, userID)
	if err != nil {
		m.log.Printf("failed to list warnings for %s: %v", userID, err)
		return 0
	}
	now := m.clock()
	count := 0
	for _, w := range warnings {
		if w.IsResolved {
			continue
		}
		if w.Level != model.WarnCritical && w.Level != model.WarnEmergency {
			continue
		}
		if now.Sub(w.CreatedAt) >= staleCriticalAge {
			count++
		}
	}
	return count
}

// hasOpenEscalation reports whether the user already has an open escalation
// with the given trigger.
func (m *WarningManager) hasOpenEscalation(ctx context.Context, userID string, trigger model.EscalationTrigger) (bool, error) {
	open, err := m.store.ListOpenEscalations(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to list escalations for %s: %w", userID, err)
	}
	for _, e := range open {
		if e.TriggerType == trigger {
			return true, nil
		}
	}
	return false, nil
}

// ResolveStaleWarnings marks warnings whose condition has cleared. A
// high-usage warning resolves when usage drops below the warning threshold,
// an insufficient-space warning when the backup fits again, and so on.
func (m *WarningManager) ResolveStaleWarnings(ctx context.Context, q *model.QuotaStatus, warningThreshold float64) (int, error) {
	warnings, err := m.store.ListQuotaWarnings(ctx, q.UserID)
	if err != nil {
		return 0, fmt.Errorf("failed to list warnings for %s: %w", q.UserID, err)
	}
	resolved := 0
	for _, w := range warnings {
		if w.IsResolved || !m.conditionCleared(w.Type, q, warningThreshold) {
			continue
		}
		if err := m.store.ResolveQuotaWarning(ctx, w.ID); err != nil {
			return resolved, fmt.Errorf("failed to resolve warning %s: %w", w.ID, err)
		}
		resolved++
	}
	return resolved, nil
}

func (m *WarningManager) conditionCleared(typ model.WarningType, q *model.QuotaStatus, warningThreshold float64) bool {
	switch typ {
	case model.WarnHighUsage:
		return q.UsagePercentage < warningThreshold
	case model.WarnInsufficientSpace, model.WarnBackupTooLarge, model.WarnPredictedShortfall:
		return q.CanAccommodateBackup
	case model.WarnQuotaExceeded:
		return q.HealthLevel != model.QuotaExceeded
	case model.WarnConfigurationIssue:
		return q.HealthLevel != model.QuotaUnknown
	default:
		return false
	}
}
