package providers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/btangonan/nano-banana-runner-sub001/core"
	"github.com/btangonan/nano-banana-runner-sub001/logging"
)

// ModelProber issues a minimal request against one publisher model and
// reports the HTTP status the remote answered with. Implemented by the sync
// provider; faked in tests.
type ModelProber interface {
	ProbeModel(ctx context.Context, model string) (httpStatus int, err error)
}

// Sweep probes every model and writes a fresh health snapshot to path.
//
// Classification: HTTP 200 is healthy, 404 is degraded (model exists in the
// catalog but the project is not entitled), anything else is an error. Probe
// transport failures are recorded as error rows rather than aborting the
// sweep, so one bad model cannot hide the health of the others.
func Sweep(ctx context.Context, prober ModelProber, models []string, cfg *core.Config, path string, log *logging.Logger) (*HealthSnapshot, error) {
	log = log.Named("probe")
	snap := &HealthSnapshot{
		Timestamp: time.Now().UTC(),
		Project:   cfg.GoogleProject,
		Location:  cfg.GoogleLocation,
	}

	for _, model := range models {
		probeCtx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
		status, err := prober.ProbeModel(probeCtx, model)
		cancel()

		row := ModelHealth{Model: model, HTTP: status}
		switch {
		case err == nil && status == http.StatusOK:
			row.Status = HealthHealthy
		case status == http.StatusNotFound:
			row.Status = HealthDegraded
			row.Code = "NOT_ENTITLED"
		default:
			row.Status = HealthError
			if err != nil {
				row.Code = err.Error()
				if row.HTTP == 0 {
					row.HTTP = core.HTTPStatusOf(err)
				}
			}
		}
		log.Info("model probed",
			zap.String("model", model),
			zap.String("status", row.Status),
			zap.Int("http", row.HTTP))
		snap.Results = append(snap.Results, row)
	}

	if err := SaveHealthSnapshot(path, snap); err != nil {
		return nil, err
	}
	return snap, nil
}
