package faktory

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

const (
	minReserveFor = 60
	minRetry      = -1
	minBacktrace  = 0

	defaultQueue      = "default"
	defaultReserveFor = 1800
	defaultRetry      = 25
	defaultBacktrace  = 5
)

// Job is a unit of work submitted to the server for later execution.
type Job struct {
	Jid        string         `json:"jid"`
	Jobtype    string         `json:"jobtype"`
	Args       []any          `json:"args"`
	Queue      string         `json:"queue"`
	ReserveFor int            `json:"reserve_for"`
	At         string         `json:"at,omitempty"`
	Retry      int            `json:"retry"`
	Backtrace  int            `json:"backtrace"`
	Custom     map[string]any `json:"custom,omitempty"`
}

// JobOption configures a Job built by NewJob. Options are applied in order,
// so a later option overrides an earlier one for the same field.
type JobOption func(*Job)

// WithJid pins a jid instead of letting NewJob generate a random one.
// Useful for retried jobs that must keep a stable jid across retries.
func WithJid(jid string) JobOption { return func(j *Job) { j.Jid = jid } }

// WithQueue overrides the default "default" queue.
func WithQueue(queue string) JobOption { return func(j *Job) { j.Queue = queue } }

// WithReserveFor overrides the default reservation window, in seconds.
func WithReserveFor(seconds int) JobOption { return func(j *Job) { j.ReserveFor = seconds } }

// WithAt schedules the job to run at the given RFC3339 timestamp instead
// of immediately.
func WithAt(at string) JobOption { return func(j *Job) { j.At = at } }

// WithRetry overrides the default retry count. 0 discards on failure,
// -1 sends the job to the dead set after its first failure.
func WithRetry(retry int) JobOption { return func(j *Job) { j.Retry = retry } }

// WithBacktrace overrides how many stack frames are reported on failure.
func WithBacktrace(n int) JobOption { return func(j *Job) { j.Backtrace = n } }

// WithCustom attaches arbitrary custom metadata to the job.
func WithCustom(custom map[string]any) JobOption { return func(j *Job) { j.Custom = custom } }

// NewJob builds and validates a Job. jobtype must be non-empty; args may be
// nil (an empty argument list is sent). Bounds on reserve_for, retry and
// backtrace, and the RFC3339 format of `at`, are all validated here — never
// lazily at send time.
func NewJob(jobtype string, args []any, opts ...JobOption) (*Job, error) {
	if jobtype == "" {
		return nil, newValidationError("jobtype must not be empty")
	}
	if args == nil {
		args = []any{}
	}

	j := &Job{
		Jobtype:    jobtype,
		Args:       args,
		Queue:      defaultQueue,
		ReserveFor: defaultReserveFor,
		Retry:      defaultRetry,
		Backtrace:  defaultBacktrace,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.Jid == "" {
		j.Jid = randomHex32()
	}

	if err := j.validate(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Job) validate() error {
	if j.Jobtype == "" {
		return newValidationError("jobtype must not be empty")
	}
	if j.Queue == "" {
		return newValidationError("queue must not be empty")
	}
	if j.ReserveFor < minReserveFor {
		return newValidationError("reserve_for must be >= %d, got %d", minReserveFor, j.ReserveFor)
	}
	if j.Retry < minRetry {
		return newValidationError("retry must be >= %d, got %d", minRetry, j.Retry)
	}
	if j.Backtrace < minBacktrace {
		return newValidationError("backtrace must be >= %d, got %d", minBacktrace, j.Backtrace)
	}
	if j.At != "" {
		if _, err := time.Parse(time.RFC3339, j.At); err != nil {
			return newValidationError("at %q is not RFC3339 valid: %v", j.At, err)
		}
	}
	return nil
}

// randomHex32 returns a 32-character lowercase hex string derived from a
// random UUID's raw bytes (no dashes) — used for jid and worker id
// generation.
func randomHex32() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// TargetJob is a reduced Job used inside Batch success/complete callbacks.
type TargetJob struct {
	Jobtype string `json:"jobtype"`
	Args    []any  `json:"args"`
	Queue   string `json:"queue"`
}

// NewTargetJob builds a validated TargetJob. queue defaults to "default"
// when empty.
func NewTargetJob(jobtype string, args []any, queue string) (*TargetJob, error) {
	if jobtype == "" {
		return nil, newValidationError("jobtype must not be empty")
	}
	if args == nil {
		args = []any{}
	}
	if queue == "" {
		queue = defaultQueue
	}
	return &TargetJob{Jobtype: jobtype, Args: args, Queue: queue}, nil
}
