package funnel

import (
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// LogNotifier writes low-conversion alerts to the log, at most once per
// interval so a slow day does not flood it.
type LogNotifier struct {
	limiter *rate.Limiter
	logger  *log.Entry
}

// NewLogNotifier creates a LogNotifier emitting at most one alert per interval.
func NewLogNotifier(logger *log.Logger, interval time.Duration) *LogNotifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LogNotifier{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		logger:  logger.WithField("component", "funnel"),
	}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(a Alert) {
	if !n.limiter.AllowN(a.At, 1) {
		return
	}
	n.logger.WithFields(log.Fields{
		"rate":        a.Rate,
		"threshold":   a.Threshold,
		"conversions": a.Conversions,
		"sessions":    a.Sessions,
	}).Warn("conversion rate below threshold")
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Alert)

// Notify implements Notifier.
func (f NotifierFunc) Notify(a Alert) { f(a) }
