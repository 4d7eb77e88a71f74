package agent

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"

	"github.com/joescharf/agentdesk/internal/models"
)

// ReconcileResult counts what Reconcile changed.
type ReconcileResult struct {
	Checked int
	Stopped int
	Failed  int
}

// Reconcile checks sessions that claim an active phase against the
// processes actually running. A session whose working directory is gone is
// moved to error; one with no agent process in its directory is stopped.
// Every session is attempted; failures are returned together.
func Reconcile(ctx context.Context, s Sessions, list []*models.Session, d ProcessDetector) (ReconcileResult, error) {
	var (
		res    ReconcileResult
		result *multierror.Error
	)
	for _, sess := range list {
		if !Active(sess.PhaseKind()) && !sess.IsBusy {
			continue
		}
		res.Checked++

		if sess.Cwd != "" {
			if _, err := os.Stat(sess.Cwd); os.IsNotExist(err) {
				if _, err := s.Fail(ctx, sess.ID, "working directory removed: "+sess.Cwd); err != nil {
					result = multierror.Append(result, fmt.Errorf("session %s: %w", sess.ID, err))
					continue
				}
				if _, err := s.SetBusy(ctx, sess.ID, false); err != nil {
					result = multierror.Append(result, fmt.Errorf("session %s: %w", sess.ID, err))
				}
				res.Failed++
				continue
			}
		}

		if sess.Cwd != "" && d.IsAgentRunning(sess.Cwd) {
			continue
		}
		if _, err := StopSession(ctx, s, sess.ID); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		res.Stopped++
	}
	return res, result.ErrorOrNil()
}
