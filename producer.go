package faktory

// Producer is a thin, role-checked façade over Client for code that only
// ever submits work and never fetches it. It exists so application code
// depends on a narrower surface than the full Client.
type Producer struct {
	client *Client
}

// NewProducer builds a Producer over a new Client configured by opts. The
// Client's role defaults to RoleProducer; opts may override it with
// RoleBoth, and a RoleConsumer override is rejected.
func NewProducer(opts ...ClientOption) (*Producer, error) {
	opts = append([]ClientOption{WithRole(RoleProducer)}, opts...)
	c, err := NewClient(opts...)
	if err != nil {
		return nil, err
	}
	if c.role != RoleProducer && c.role != RoleBoth {
		return nil, newValidationError("producer requires role producer or both, got %q", c.role)
	}
	return &Producer{client: c}, nil
}

// Connect dials and performs the handshake.
func (p *Producer) Connect() error { return p.client.Connect() }

// Close ends the connection.
func (p *Producer) Close() error { return p.client.End() }

// Push submits a single job.
func (p *Producer) Push(job *Job) error { return p.client.Push(job) }

// PushBulk submits many jobs in one round trip.
func (p *Producer) PushBulk(jobs []*Job) (map[string]string, error) { return p.client.PushBulk(jobs) }

// BatchNew opens a new batch.
func (p *Producer) BatchNew(b *Batch) (string, error) { return p.client.BatchNew(b) }

// BatchOpen reopens an existing batch by id.
func (p *Producer) BatchOpen(bid string) error { return p.client.BatchOpen(bid) }

// BatchCommit marks a batch as fully populated.
func (p *Producer) BatchCommit(bid string) error { return p.client.BatchCommit(bid) }

// BatchStatus fetches a batch's progress counters.
func (p *Producer) BatchStatus(bid string) (map[string]any, error) { return p.client.BatchStatus(bid) }

// Mutate applies a bulk administrative operation to a job set.
func (p *Producer) Mutate(op *MutateOperation) error { return p.client.Mutate(op) }

// Flush clears every queue on the server.
func (p *Producer) Flush() error { return p.client.Flush() }

// Info fetches the server's INFO document.
func (p *Producer) Info() (map[string]any, error) { return p.client.Info() }
