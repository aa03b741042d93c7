// internal/circulation/renewal.go
package circulation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RenewalReport summarises one automatic renewal run.
type RenewalReport struct {
	Scanned  int `json:"scanned"`
	Extended int `json:"extended"`
	Ignored  int `json:"ignored"`
	Failed   int `json:"failed"`
}

// Renewer is the automatic renewal task. It extends every due loan whose
// policy still allows it; loans that fail a precondition are ignored, not retried.
type Renewer struct {
	store   Store
	service Service
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewRenewer creates a renewer that extends the loans store reports as due
// through service.
func NewRenewer(store Store, service Service, logger *zap.SugaredLogger) *Renewer {
	return &Renewer{store: store, service: service, logger: logger, now: time.Now}
}

// Run scans the loans due at now and tries to extend each of them.
func (r *Renewer) Run(ctx context.Context, now time.Time) (RenewalReport, error) {
	var report RenewalReport
	due, err := r.store.DueLoans(ctx, now)
	if err != nil {
		return report, fmt.Errorf("failed to list due loans: %w", err)
	}

	for _, loan := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		_, err := r.service.AutoRenew(ctx, loan.PID, now)
		switch {
		case err == nil:
			report.Extended++
			renewalsTotal.WithLabelValues("extended").Inc()
		case IsDenial(err) || KindOf(err) == KindNotFound:
			report.Ignored++
			renewalsTotal.WithLabelValues("ignored").Inc()
			r.logger.Infow("loan not renewed", "loan_pid", loan.PID, "item_pid", loan.ItemPID, "reason", err)
		default:
			report.Failed++
			renewalsTotal.WithLabelValues("failed").Inc()
			r.logger.Errorw("automatic renewal failed", "loan_pid", loan.PID, "item_pid", loan.ItemPID, "error", err)
		}
	}

	r.logger.Infow("automatic renewal finished",
		"scanned", report.Scanned,
		"extended", report.Extended,
		"ignored", report.Ignored,
		"failed", report.Failed,
	)
	return report, nil
}

// RunEvery runs the task on every tick of interval until ctx is done.
func (r *Renewer) RunEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx, r.now().UTC()); err != nil && ctx.Err() == nil {
				r.logger.Errorw("automatic renewal run failed", "error", err)
			}
		}
	}
}
