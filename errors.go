package cubdb

import "fmt"

// NotFoundError is returned by Fetch when the key is absent. It is not an
// error for any other read operation (Get simply falls back to a default,
// HasKey returns false).
type NotFoundError struct {
	Key []byte
}

func (e *NotFoundError) Error() string { return "cubdb: key not found" }

// PendingCompactionError is returned by Compact when one is already in
// flight.
type PendingCompactionError struct{}

func (e *PendingCompactionError) Error() string { return "cubdb: compaction already in progress" }

// InvalidConfigError wraps a rejected auto-compact or Options shape. No
// DB method returns it: Open and SetAutoCompact report a rejected shape
// as *config.InvalidConfigError.
type InvalidConfigError struct {
	Reason string
}

func (e *InvalidConfigError) Error() string { return "cubdb: invalid config: " + e.Reason }

// UserError wraps a panic or error raised from inside a caller-supplied
// function. The underlying value is preserved so callers can type-switch
// on it. No DB method constructs it: Update, GetAndUpdate and
// GetAndUpdateMulti return fn's own error unchanged and report a panic
// in fn as a plain error, and Select pipeline failures are reported as
// *selectpipeline.UserError.
type UserError struct {
	Value any
}

func (e *UserError) Error() string { return fmt.Sprintf("cubdb: user function error: %v", e.Value) }

// TimeoutError reports a call that exceeded its deadline. No DB method
// returns it: Compact, the one method that takes a context, passes on
// whatever error the compaction round reports.
type TimeoutError struct{}

func (e *TimeoutError) Error() string { return "cubdb: timed out waiting for result" }
