package instance

import "log/slog"

// rollback accumulates cleanup steps during a multi-stage provisioning
// operation and unwinds them in reverse order if the operation fails
// partway through. Each step is best-effort: a failing step is logged
// and the unwind continues.
type rollback struct {
	steps []func()
	log   *slog.Logger
}

func newRollback(log *slog.Logger) *rollback {
	return &rollback{log: log}
}

func (r *rollback) add(step func()) {
	r.steps = append(r.steps, step)
}

func (r *rollback) run() {
	for i := len(r.steps) - 1; i >= 0; i-- {
		func() {
			defer func() {
				if p := recover(); p != nil && r.log != nil {
					r.log.Error("rollback step panicked", "panic", p)
				}
			}()
			r.steps[i]()
		}()
	}
}
