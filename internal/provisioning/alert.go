package provisioning

import (
	"context"
	"log/slog"
)

// Alerter is the operator-facing channel for conditions that need a human:
// exhausted retries, panel rejections, local/remote inconsistency.
type Alerter interface {
	Alert(ctx context.Context, subject string, err error, attrs ...slog.Attr)
}

// LogAlerter raises alerts as error-level log records. Deployments that page
// on log errors get operator visibility without extra plumbing.
type LogAlerter struct {
	Logger *slog.Logger
}

func (a LogAlerter) Alert(ctx context.Context, subject string, err error, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+1)
	args = append(args, slog.String("alert", subject))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	if err != nil {
		args = append(args, slog.String("error", err.Error()))
	}
	a.Logger.ErrorContext(ctx, "operator alert", args...)
}
