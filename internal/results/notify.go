package results

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"splitlab/internal/db"
)

// NotifyCooldown is the minimum gap between two significance notifications
// of the same experiment.
const NotifyCooldown = time.Hour

// Notifier delivers "experiment reached significance" messages.
type Notifier interface {
	NotifySignificance(ctx context.Context, exp *db.Experiment, rep *Report) error
}

// LogNotifier writes significance notifications to the log.
type LogNotifier struct {
	Log logrus.FieldLogger
}

// NotifySignificance implements Notifier.
func (n LogNotifier) NotifySignificance(_ context.Context, exp *db.Experiment, rep *Report) error {
	fields := logrus.Fields{
		"experiment":   exp.Handle,
		"confidence":   rep.Confidence,
		"control_rate": rep.Control.Rate,
		"variant_rate": rep.Variant.Rate,
		"winner":       rep.Winner,
	}
	if rep.Improvement != nil {
		fields["improvement"] = *rep.Improvement
	}
	n.Log.WithFields(fields).Info("experiment reached statistical significance")
	return nil
}

// Claimer atomically takes the next notification slot of an experiment.
type Claimer interface {
	ClaimSignificanceNotification(ctx context.Context, experimentID uint, now time.Time, cooldown time.Duration) (bool, error)
}

// Watcher checks experiments for significance after conversions and notifies
// at most once per NotifyCooldown.
type Watcher struct {
	reports  *Service
	claimer  Claimer
	notifier Notifier
	now      func() time.Time
	log      logrus.FieldLogger
}

// NewWatcher returns a Watcher.
func NewWatcher(reports *Service, claimer Claimer, notifier Notifier, log logrus.FieldLogger) *Watcher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Watcher{reports: reports, claimer: claimer, notifier: notifier, now: time.Now, log: log}
}

// CheckSignificance notifies when exp is significant and its cooldown passed.
// Failures are logged; conversions are never failed because of them.
func (w *Watcher) CheckSignificance(ctx context.Context, exp *db.Experiment) {
	now := w.now()
	if exp.SignificanceNotifiedAt != nil && now.Sub(*exp.SignificanceNotifiedAt) < NotifyCooldown {
		return
	}
	log := w.log.WithField("experiment", exp.Handle)

	rep, err := w.reports.Report(ctx, exp)
	if err != nil {
		log.WithError(err).Warn("significance check failed")
		return
	}
	if !rep.Significant {
		return
	}

	claimed, err := w.claimer.ClaimSignificanceNotification(ctx, exp.ID, now, NotifyCooldown)
	if err != nil {
		log.WithError(err).Warn("failed to claim significance notification")
		return
	}
	if !claimed {
		return
	}
	if err := w.notifier.NotifySignificance(ctx, exp, rep); err != nil {
		log.WithError(err).Warn("significance notification failed")
	}
}
