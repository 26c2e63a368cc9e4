package logfields

import "log/slog"

// Canonical log field names shared by every package.
const (
	KeyProject    = "project"
	KeyRunID      = "run_id"
	KeyJobID      = "job_id"
	KeyAttempt    = "attempt"
	KeyMode       = "mode"
	KeyState      = "state"
	KeyReason     = "reason"
	KeyExitCode   = "exit_code"
	KeyPath       = "path"
	KeyFile       = "file"
	KeyWorker     = "worker"
	KeySubscriber = "subscriber"
	KeyDurationMS = "duration_ms"
	KeyMethod     = "method"
	KeyURL        = "url"
	KeyError      = "error"
)

func Project(p string) slog.Attr      { return slog.String(KeyProject, p) }
func RunID(id string) slog.Attr       { return slog.String(KeyRunID, id) }
func JobID(id int64) slog.Attr        { return slog.Int64(KeyJobID, id) }
func Attempt(n int) slog.Attr         { return slog.Int(KeyAttempt, n) }
func Mode(m string) slog.Attr         { return slog.String(KeyMode, m) }
func State(s string) slog.Attr        { return slog.String(KeyState, s) }
func Reason(r string) slog.Attr       { return slog.String(KeyReason, r) }
func ExitCode(c int) slog.Attr        { return slog.Int(KeyExitCode, c) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func File(f string) slog.Attr         { return slog.String(KeyFile, f) }
func Worker(w string) slog.Attr       { return slog.String(KeyWorker, w) }
func Subscriber(id string) slog.Attr  { return slog.String(KeySubscriber, id) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Method(m string) slog.Attr       { return slog.String(KeyMethod, m) }
func URL(u string) slog.Attr          { return slog.String(KeyURL, u) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
