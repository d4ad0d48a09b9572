/**
 * @description
 * Scheduled maintenance jobs: the audit chain integrity sweep and the expiry of proposals
 * that outlived the voting window.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultJobTimeout = 2 * time.Minute
	expiryBatchSize   = 200
)

// Maintenance is the service surface used by the jobs.
type Maintenance interface {
	VerifyAllChains(ctx context.Context) (checked int, corrupted int, err error)
	ExpireStaleProposals(ctx context.Context, limit int) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	service Maintenance
	logger  *slog.Logger
	timeout time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(service Maintenance, logger *slog.Logger) *Jobs {
	return &Jobs{service: service, logger: logger, timeout: defaultJobTimeout}
}

// VerifyChains re-verifies every group chain so corruption is caught even for groups with
// no recent writes.
func (j *Jobs) VerifyChains() {
	j.logger.Info("starting audit chain verification job")
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	checked, corrupted, err := j.service.VerifyAllChains(ctx)
	if err != nil {
		j.logger.Error("audit chain verification job failed", "error", err, "checked", checked)
		return
	}
	if corrupted > 0 {
		j.logger.Error("audit chain verification found corrupted chains", "checked", checked, "corrupted", corrupted)
		return
	}
	j.logger.Info("audit chain verification job finished", "checked", checked)
}

// ExpireProposals rejects applications and withdrawals whose voting window has passed.
func (j *Jobs) ExpireProposals() {
	j.logger.Info("starting proposal expiry job")
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	expired, err := j.service.ExpireStaleProposals(ctx, expiryBatchSize)
	if err != nil {
		j.logger.Error("proposal expiry job finished with errors", "error", err, "expired", expired)
		return
	}
	j.logger.Info("proposal expiry job finished", "expired", expired)
}
