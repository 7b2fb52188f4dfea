package faktory

// Batch groups a set of jobs under a single bid, with optional success and
// complete callback jobs that the server dispatches once all jobs in the
// batch finish (success) or finish-or-fail (complete).
type Batch struct {
	ParentBid   string     `json:"parent_bid,omitempty"`
	Description string     `json:"description,omitempty"`
	Success     *TargetJob `json:"success,omitempty"`
	Complete    *TargetJob `json:"complete,omitempty"`
}

// BatchOption configures a Batch built by NewBatch.
type BatchOption func(*Batch)

// WithParentBid nests this batch inside an already-open parent batch.
func WithParentBid(bid string) BatchOption { return func(b *Batch) { b.ParentBid = bid } }

// WithDescription attaches a human-readable description, shown in the
// Faktory web UI.
func WithDescription(desc string) BatchOption { return func(b *Batch) { b.Description = desc } }

// WithSuccessCallback runs job once every job in the batch succeeds.
func WithSuccessCallback(job *TargetJob) BatchOption { return func(b *Batch) { b.Success = job } }

// WithCompleteCallback runs job once every job in the batch has finished,
// regardless of outcome.
func WithCompleteCallback(job *TargetJob) BatchOption { return func(b *Batch) { b.Complete = job } }

// NewBatch builds a Batch from the given options. A Batch with neither a
// parent, description, nor callback is valid — it simply groups jobs with
// no notification.
func NewBatch(opts ...BatchOption) *Batch {
	b := &Batch{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// JobFilter selects jobs for a MutateOperation. Any subset of the three
// fields may be populated; an empty JobFilter matches every job in the
// target set.
type JobFilter struct {
	Jids    []string `json:"jids,omitempty"`
	Regexp  string   `json:"regexp,omitempty"`
	Jobtype string   `json:"jobtype,omitempty"`
}
