package jobs

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/alem-hub/progression/internal/domain/progress"
	"github.com/alem-hub/progression/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// AUDIT INTEGRITY JOB
// ══════════════════════════════════════════════════════════════════════════════

// AuditIntegrityJob scans all records and reports cosmetic state that
// violates the unlock invariant. Violations are logged, never corrected.
type AuditIntegrityJob struct {
	lister progress.Lister
	log    *logger.Logger
}

// AuditReport is the outcome of one scan.
type AuditReport struct {
	RunID      string
	Scanned    int
	Violations []string
}

// NewAuditIntegrityJob creates the job.
func NewAuditIntegrityJob(lister progress.Lister, log *logger.Logger) *AuditIntegrityJob {
	if log == nil {
		log = logger.Nop()
	}
	return &AuditIntegrityJob{lister: lister, log: log}
}

// Name returns the job name.
func (j *AuditIntegrityJob) Name() string { return "audit_integrity" }

// Description returns a human-readable description.
func (j *AuditIntegrityJob) Description() string {
	return "Reports users whose active effects are not unlocked"
}

// Run executes the scan.
func (j *AuditIntegrityJob) Run(ctx context.Context) error {
	_, err := j.Scan(ctx)
	return err
}

// Scan walks every record and returns the ids that failed the check.
func (j *AuditIntegrityJob) Scan(ctx context.Context) (AuditReport, error) {
	report := AuditReport{RunID: uuid.NewString()}
	log := j.log.With(logger.String("run_id", report.RunID))

	err := j.lister.ForEach(ctx, func(p *progress.Progress) error {
		report.Scanned++
		if err := p.CheckIntegrity(); err != nil {
			report.Violations = append(report.Violations, p.UserID)
			log.Error("progress integrity violation",
				logger.UserID(p.UserID),
				logger.String("avatar_effect", p.ActiveAvatarEffect),
				logger.String("profile_effect", p.ActiveProfileEffect),
				logger.Err(err),
			)
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("audit integrity (run %s): %w", report.RunID, err)
	}

	log.Info("integrity audit finished",
		logger.Int("scanned", report.Scanned),
		logger.Int("violations", len(report.Violations)),
	)
	return report, nil
}
