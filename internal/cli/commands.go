package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/resetprep/resetprep/internal/agent"
	"github.com/resetprep/resetprep/internal/config"
	"github.com/resetprep/resetprep/internal/core"
	"github.com/resetprep/resetprep/internal/model"
	"github.com/resetprep/resetprep/internal/sensors"
)

// RunInit creates the .resetprep directory with the default configuration.
func RunInit(path string) error {
	if err := config.InitDir(path); err != nil {
		return err
	}
	fmt.Printf("Initialized %s\n", filepath.Join(path, config.Dir))
	fmt.Printf("Edit %s to tune the service.\n", filepath.Join(path, config.Dir, config.ConfigFile))
	return nil
}

// RunServe runs the orchestration loop until interrupted.
func RunServe(ctx context.Context) error {
	svc, err := buildService()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("resetprep serving, poll interval %s\n", svc.cfg.Orchestrator.PollInterval)
	if err := svc.orch.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	fmt.Println("resetprep stopped")
	return nil
}

// RunStatus prints a user's sync client status.
func RunStatus(ctx context.Context, userID string) error {
	svc, err := buildService()
	if err != nil {
		return err
	}
	defer svc.Close()

	status, err := svc.detector.Status(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Printf("User:        %s\n", userID)
	fmt.Printf("Installed:   %t\n", status.Installed)
	fmt.Printf("Running:     %t\n", status.Running)
	fmt.Printf("Signed in:   %t\n", status.SignedIn)
	if status.AccountEmail != "" {
		fmt.Printf("Account:     %s\n", status.AccountEmail)
		fmt.Printf("Sync folder: %s\n", status.SyncFolder)
	}
	fmt.Printf("Activity:    %s\n", status.SyncStatus)
	if status.ErrorDetails != "" {
		fmt.Printf("Error:       %s\n", status.ErrorDetails)
	}
	fmt.Printf("Checked:     %s\n", status.LastChecked.Format(time.RFC3339))
	return nil
}

// RunQuota estimates the backup size for a profile and grades it against
// the quota given on the command line.
func RunQuota(ctx context.Context, userID, profileRoot string) error {
	svc, err := buildService()
	if err != nil {
		return err
	}
	defer svc.Close()

	req, err := svc.calculator.EstimateBackupSize(ctx, core.ProfileInfo{UserID: userID, RootPath: profileRoot})
	if err != nil {
		return err
	}
	if err := svc.calculator.ValidateRequirements(req); err != nil {
		return err
	}

	fmt.Printf("Profile size:     %d MB\n", req.ProfileSizeMB)
	fmt.Printf("Estimated backup: %d MB\n", req.EstimatedBackupSizeMB)
	fmt.Printf("Compression:      %.2f\n", req.CompressionFactor)
	fmt.Printf("Required space:   %d MB\n", req.RequiredSpaceMB)
	if verbose {
		for folder, mb := range req.FolderBreakdown {
			fmt.Printf("  %-40s %d MB\n", folder, mb)
		}
	}

	if totalMB <= 0 {
		fmt.Println("\nPass --total-mb and --used-mb to evaluate quota health.")
		return nil
	}
	q := &model.QuotaStatus{
		UserID:           userID,
		TotalSpaceMB:     totalMB,
		UsedSpaceMB:      usedMB,
		AvailableSpaceMB: totalMB - usedMB,
		RequiredSpaceMB:  req.RequiredSpaceMB,
	}
	svc.evaluator.Evaluate(q)

	fmt.Printf("\nQuota health:     %s (%.1f%% used)\n", q.HealthLevel, q.UsagePercentage)
	fmt.Printf("Backup fits:      %t\n", q.CanAccommodateBackup)
	if q.ShortfallMB > 0 {
		fmt.Printf("Shortfall:        %d MB\n", q.ShortfallMB)
	}
	for _, issue := range q.Issues {
		fmt.Printf("  ! %s\n", issue)
	}
	for _, rec := range q.Recommendations {
		fmt.Printf("  > %s\n", rec)
	}

	created, err := svc.warnings.CheckConditions(ctx, q)
	if err != nil {
		return err
	}
	for _, w := range created {
		fmt.Printf("Warning raised:   [%s] %s\n", w.Level, w.Message)
	}
	return nil
}

// RunSync forces a folder to sync and optionally waits for completion.
func RunSync(ctx context.Context, folder string) error {
	svc, err := buildService()
	if err != nil {
		return err
	}
	defer svc.Close()

	// One-shot invocations treat the named folder as the sync scope.
	scope := func() ([]string, error) { return []string{folder}, nil }
	controller := core.NewSyncController(svc.detector, svc.prober, scope, svc.cfg.Sync, svc.log)

	if !syncWait {
		if controller.ForceSync(ctx, folder) {
			fmt.Printf("Sync triggered for %s\n", folder)
		} else {
			fmt.Printf("Could not confirm sync started for %s\n", folder)
		}
		return nil
	}

	done, err := controller.WaitForSync(ctx, folder, syncTimeout)
	if err != nil {
		return err
	}
	if done {
		fmt.Printf("Sync complete for %s\n", folder)
	} else {
		fmt.Printf("Sync did not complete within %s\n", syncTimeout)
	}
	return nil
}

// RunWarnings lists a user's quota warnings.
func RunWarnings(ctx context.Context, userID string) error {
	svc, err := buildService()
	if err != nil {
		return err
	}
	defer svc.Close()

	warnings, err := svc.store.ListQuotaWarnings(ctx, userID)
	if err != nil {
		return err
	}
	if len(warnings) == 0 {
		fmt.Printf("No warnings for %s\n", userID)
		return nil
	}
	for _, w := range warnings {
		marker := " "
		if w.IsResolved {
			marker = "resolved"
		}
		fmt.Printf("[%s] %-20s %s %s\n", w.Level, w.Type, w.Message, marker)
	}
	return nil
}

// RunDemo seeds one migration in a temp directory and drives it through the
// full lifecycle with agent messages and orchestration cycles.
func RunDemo(ctx context.Context) error {
	svc, err := buildService()
	if err != nil {
		return err
	}
	defer svc.Close()

	const userID = "demo.user"
	root, err := os.MkdirTemp("", "resetprep-demo-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(root)

	syncFolder := filepath.Join(root, "OneDrive")
	if err := os.MkdirAll(syncFolder, 0o755); err != nil {
		return err
	}
	for _, name := range []string{"report.docx", "notes.txt", "photo.jpg"} {
		path := filepath.Join(syncFolder, name)
		if err := os.WriteFile(path, []byte("demo content"), 0o644); err != nil {
			return err
		}
		if err := sensors.WriteSidecar(path, "in_sync", false); err != nil {
			return err
		}
	}

	svc.sensors.Accounts[userID] = []model.AccountInfo{{
		Email:      "demo.user@example.com",
		UserFolder: syncFolder,
		IsPrimary:  true,
	}}
	svc.sensors.Running[userID] = true
	svc.sensors.SyncedFolders[userID] = []string{syncFolder}

	// Healthy quota so no escalation path interferes with the walkthrough.
	quota := &model.QuotaStatus{
		UserID:           userID,
		TotalSpaceMB:     1024 * 100,
		UsedSpaceMB:      1024 * 10,
		AvailableSpaceMB: 1024 * 90,
	}
	svc.evaluator.Evaluate(quota)
	if err := svc.store.PutQuotaStatus(ctx, quota); err != nil {
		return err
	}

	send := func(typ agent.MessageType, payload any) error {
		env, err := agent.NewEnvelope(typ, userID, payload)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(env)
		if err != nil {
			return err
		}
		reply, err := svc.dispatcher.Handle(ctx, raw)
		if err != nil {
			return err
		}
		if reply != nil && verbose {
			out, _ := json.Marshal(reply)
			fmt.Printf("  <- %s\n", out)
		}
		return nil
	}

	fmt.Println("Starting migration...")
	if err := send(agent.MsgUserAction, agent.UserAction{Action: "start"}); err != nil {
		return err
	}
	if err := svc.orch.ProcessUser(ctx, userID); err != nil {
		return err
	}

	fmt.Println("Running backups...")
	for _, cat := range model.RequiredBackupCategories() {
		op, err := svc.orch.HandleBackupStarted(ctx, userID, cat)
		if err != nil {
			return err
		}
		if err := send(agent.MsgBackupCompleted, agent.BackupCompleted{
			OperationID: op.ID,
			Success:     true,
			ItemCount:   42,
		}); err != nil {
			return err
		}
	}

	fmt.Println("Waiting for sync...")
	for i := 0; i < 3; i++ {
		if err := svc.orch.ProcessUser(ctx, userID); err != nil {
			return err
		}
	}

	history, err := svc.store.TransitionHistory(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Println("\nLifecycle:")
	for _, tr := range history {
		fmt.Printf("  %-18s -> %-18s %s\n", tr.From, tr.To, tr.Reason)
	}
	final, err := svc.store.GetMigrationState(ctx, userID)
	if err != nil {
		return err
	}
	fmt.Printf("\nFinal state: %s (%s), progress %d%%\n", final.State, final.Status, final.Progress)
	return nil
}
