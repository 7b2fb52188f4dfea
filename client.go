// Package faktory is a client for the Faktory work server: it implements
// the wire handshake, job submission, batch management, dead/retry/
// scheduled set mutation, and the consumer-side fetch/ack/fail/heartbeat
// command set described by the Faktory Work Protocol.
package faktory

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ghilesmeddour/faktory-go/internal/procmetrics"
	"github.com/ghilesmeddour/faktory-go/internal/wire"
)

const (
	DefaultURL    = "tcp://localhost:7419"
	defaultLabel  = "go"
	minWorkerID   = 8
	minBeatPeriod = 5 * time.Second
	maxBeatPeriod = 60 * time.Second
	defaultBeat   = 15 * time.Second
)

// Client drives a single TCP connection through the FWP state machine.
// Every command round trip is serialized by mu, so command calls from
// several goroutines share the one connection — the consumer package
// issues FETCH from its loop and ACK/FAIL from its job goroutines over a
// single Client, alongside the heartbeat goroutine the Client spawns.
type Client struct {
	role     Role
	host     string
	port     int
	useTLS   bool
	password string
	timeout  *time.Duration

	labels     []string
	workerID   string
	beatPeriod time.Duration

	logger  *zap.Logger
	sampler func() (int64, error)

	// mu serializes every Send/Receive pair on the socket — the command
	// path and the heartbeat goroutine both go through sendAndReceive, so
	// a BEAT can never interleave with, say, a FETCH's reply.
	mu   sync.Mutex
	conn *wire.Conn

	stateMu sync.RWMutex
	state   State

	heartbeatCancel func()
	heartbeatDone   chan struct{}
}

// ClientOption configures a Client built by NewClient.
type ClientOption func(*Client) error

// WithURL parses a tcp:// or tcp+tls:// FWP URL. If never supplied, NewClient
// falls back to the FAKTORY_URL environment variable, then to DefaultURL.
func WithURL(rawURL string) ClientOption {
	return func(c *Client) error { return c.applyURL(rawURL) }
}

// WithRole fixes which commands the Client is permitted to issue. Defaults
// to RoleBoth.
func WithRole(role Role) ClientOption {
	return func(c *Client) error {
		if !role.valid() {
			return newValidationError("invalid role %q", role)
		}
		c.role = role
		return nil
	}
}

// WithTimeout sets the read/write deadline applied to every socket
// operation. nil (the default) blocks forever; a pointer to 0 makes every
// operation non-blocking.
func WithTimeout(timeout *time.Duration) ClientOption {
	return func(c *Client) error {
		c.timeout = timeout
		return nil
	}
}

// WithWorkerID pins the wid reported by non-producer roles. Must be at
// least 8 characters. If never supplied, a random 32-hex-character id is
// generated.
func WithWorkerID(wid string) ClientOption {
	return func(c *Client) error {
		if len(wid) < minWorkerID {
			return newValidationError("worker id must be at least %d characters, got %d", minWorkerID, len(wid))
		}
		c.workerID = wid
		return nil
	}
}

// WithLabels overrides the default ["go"] label set reported in HELLO.
func WithLabels(labels []string) ClientOption {
	return func(c *Client) error {
		c.labels = labels
		return nil
	}
}

// WithBeatPeriod overrides the default 15s heartbeat interval. Clamped to
// [5s, 60s].
func WithBeatPeriod(period time.Duration) ClientOption {
	return func(c *Client) error {
		switch {
		case period < minBeatPeriod:
			period = minBeatPeriod
		case period > maxBeatPeriod:
			period = maxBeatPeriod
		}
		c.beatPeriod = period
		return nil
	}
}

// WithLogger attaches a *zap.Logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// NewClient builds a Client and validates its options. It does not dial —
// call Connect for that.
func NewClient(opts ...ClientOption) (*Client, error) {
	c := &Client{
		role:       RoleBoth,
		state:      StateDisconnected,
		labels:     []string{defaultLabel},
		beatPeriod: defaultBeat,
		logger:     zap.NewNop(),
		sampler:    procmetrics.RSSKB,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.host == "" {
		raw := os.Getenv("FAKTORY_URL")
		if raw == "" {
			raw = DefaultURL
		}
		if err := c.applyURL(raw); err != nil {
			return nil, err
		}
	}

	if c.role != RoleProducer && c.workerID == "" {
		c.workerID = randomHex32()
	}

	c.logger = c.logger.Named("faktory")
	return c, nil
}

func (c *Client) applyURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return newValidationError("invalid url %q: %v", rawURL, err)
	}
	switch u.Scheme {
	case "tcp":
		c.useTLS = false
	case "tcp+tls":
		c.useTLS = true
	default:
		return newValidationError("unsupported scheme %q, want tcp or tcp+tls", u.Scheme)
	}
	if u.Hostname() == "" {
		return newValidationError("url %q has no host", rawURL)
	}
	c.host = u.Hostname()
	c.port = 7419
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return newValidationError("invalid port %q: %v", p, err)
		}
		c.port = port
	}
	if pw, ok := u.User.Password(); ok {
		c.password = pw
	}
	return nil
}

func (c *Client) getState() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

func (c *Client) requireState(allowed ...State) error {
	st := c.getState()
	if !containsState(allowed, st) {
		return newProtocolError(fmt.Sprintf("command not valid in state %s", st), nil)
	}
	return nil
}

func (c *Client) requireNotRole(forbidden Role, verb string) error {
	if c.role == forbidden {
		return newProtocolError(fmt.Sprintf("%s is not permitted for role %q", verb, c.role), nil)
	}
	return nil
}

// sendAndReceive holds mu for the full round trip so the heartbeat
// goroutine and a foreground command can never interleave their bytes on
// the wire.
func (c *Client) sendAndReceive(line []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return "", newProtocolError("not connected", nil)
	}
	if err := c.conn.Send(line); err != nil {
		return "", newProtocolError("send failed", err)
	}
	raw, err := c.conn.Receive()
	if err != nil {
		return "", newProtocolError("receive failed", err)
	}
	return raw, nil
}

func raiseIfError(raw string) error {
	reply := wire.ParseReply(raw)
	if reply.Kind == wire.Error {
		return newProtocolError(reply.Text, nil)
	}
	return nil
}

// Connect dials the server, performs the HI/HELLO handshake, and — for
// non-producer roles — starts the background heartbeat loop.
func (c *Client) Connect() error {
	if err := c.requireState(StateDisconnected); err != nil {
		return err
	}

	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	conn, err := wire.Dial(addr, c.useTLS, c.timeout)
	if err != nil {
		return newProtocolError("dial failed", err)
	}
	c.conn = conn
	c.setState(StateNotIdentified)

	greeting, err := c.conn.Receive()
	if err != nil {
		return newProtocolError("failed to read greeting", err)
	}
	if strings.HasPrefix(greeting, "-") {
		return newProtocolError(strings.TrimPrefix(greeting, "-"), nil)
	}
	if !strings.HasPrefix(greeting, "HI ") {
		return newProtocolError(fmt.Sprintf("unexpected greeting %q", greeting), nil)
	}

	var hi struct {
		V int     `json:"v"`
		I *int    `json:"i"`
		S *string `json:"s"`
	}
	if err := json.Unmarshal([]byte(greeting[len("HI "):]), &hi); err != nil {
		return newProtocolError("malformed greeting json", err)
	}
	if hi.V != 2 {
		return newProtocolError(fmt.Sprintf("unsupported protocol version %d", hi.V), nil)
	}

	var pwdhash string
	if hi.I != nil && hi.S != nil && *hi.I > 0 {
		if c.password == "" {
			return newValidationError("server requires a password but none was configured")
		}
		pwdhash = hashPassword(c.password, *hi.S, *hi.I)
	}

	if err := c.hello(pwdhash); err != nil {
		return err
	}

	if c.role != RoleProducer {
		c.startHeartbeat()
	}
	return nil
}

// hashPassword iterates SHA-256 over password+salt i times, matching the
// server's PBKDF-style greeting challenge.
func hashPassword(password, salt string, iterations int) string {
	sum := []byte(password + salt)
	for n := 0; n < iterations; n++ {
		h := sha256.Sum256(sum)
		sum = h[:]
	}
	return fmt.Sprintf("%x", sum)
}

func (c *Client) hello(pwdhash string) error {
	if err := c.requireState(StateNotIdentified); err != nil {
		return err
	}

	info := map[string]any{"v": 2}
	if pwdhash != "" {
		info["pwdhash"] = pwdhash
	}
	if c.role != RoleProducer {
		hostname, _ := os.Hostname()
		info["hostname"] = hostname
		info["wid"] = c.workerID
		info["pid"] = os.Getpid()
		info["labels"] = c.labels
	}
	data, err := json.Marshal(info)
	if err != nil {
		return newProtocolError("failed to marshal HELLO payload", err)
	}

	raw, err := c.sendAndReceive(wire.EncodeCommand("HELLO", string(data)))
	if err != nil {
		return err
	}
	if err := raiseIfError(raw); err != nil {
		return err
	}
	c.setState(StateIdentified)
	return nil
}

func (c *Client) startHeartbeat() {
	done := make(chan struct{})
	stop := make(chan struct{})
	c.heartbeatDone = done
	c.heartbeatCancel = func() { close(stop) }

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.beatPeriod)
		defer ticker.Stop()
		for {
			st := c.getState()
			if st != StateIdentified && st != StateQuiet {
				return
			}
			if err := c.beat(); err != nil {
				c.logger.Warn("heartbeat failed", zap.Error(err))
				return
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (c *Client) beat() error {
	if err := c.requireState(StateIdentified, StateQuiet); err != nil {
		return err
	}

	args := map[string]any{"wid": c.workerID}
	if c.getState() == StateQuiet {
		args["current_state"] = "quiet"
	}
	if rss, err := c.sampler(); err == nil && rss > 0 {
		args["rss_kb"] = rss
	}
	data, err := json.Marshal(args)
	if err != nil {
		return newProtocolError("failed to marshal BEAT payload", err)
	}

	raw, err := c.sendAndReceive(wire.EncodeCommand("BEAT", string(data)))
	if err != nil {
		return err
	}
	reply := wire.ParseReply(raw)
	switch reply.Kind {
	case wire.Simple:
		if reply.Text != "OK" {
			return newProtocolError(fmt.Sprintf("unexpected BEAT reply %q", reply.Text), nil)
		}
		return nil
	case wire.Error:
		return newProtocolError(reply.Text, nil)
	case wire.Bulk:
		if reply.BulkLen < 0 {
			return newProtocolError("unexpected nil BEAT reply", nil)
		}
		var body struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal([]byte(reply.BulkData), &body); err != nil {
			return newProtocolError("malformed BEAT reply json", err)
		}
		switch body.State {
		case "quiet":
			c.setState(StateQuiet)
		case "terminate":
			c.setState(StateTerminating)
		default:
			return newProtocolError(fmt.Sprintf("unknown BEAT state %q", body.State), nil)
		}
		return nil
	default:
		return newProtocolError("unrecognized BEAT reply", nil)
	}
}

// Flush clears every queue on the server. Valid for any role.
func (c *Client) Flush() error {
	if err := c.requireState(StateIdentified); err != nil {
		return err
	}
	raw, err := c.sendAndReceive(wire.EncodeCommand("FLUSH", ""))
	if err != nil {
		return err
	}
	return raiseIfError(raw)
}

// Info fetches the server's INFO document as a decoded map.
func (c *Client) Info() (map[string]any, error) {
	if err := c.requireState(StateIdentified); err != nil {
		return nil, err
	}
	raw, err := c.sendAndReceive(wire.EncodeCommand("INFO", ""))
	if err != nil {
		return nil, err
	}
	reply := wire.ParseReply(raw)
	if reply.Kind == wire.Error {
		return nil, newProtocolError(reply.Text, nil)
	}
	if reply.Kind != wire.Bulk || reply.BulkLen < 0 {
		return nil, newProtocolError("expected bulk INFO reply", nil)
	}
	var info map[string]any
	if err := json.Unmarshal([]byte(reply.BulkData), &info); err != nil {
		return nil, newProtocolError("malformed INFO json", err)
	}
	return info, nil
}

// Push submits a single job. Producer-only.
func (c *Client) Push(job *Job) error {
	if err := c.requireState(StateIdentified); err != nil {
		return err
	}
	if err := c.requireNotRole(RoleConsumer, "PUSH"); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return newProtocolError("failed to marshal job", err)
	}
	raw, err := c.sendAndReceive(wire.EncodeCommand("PUSH", string(data)))
	if err != nil {
		return err
	}
	return raiseIfError(raw)
}

// PushBulk submits many jobs in one round trip, returning a map of
// jid -> error message for jobs the server rejected.
func (c *Client) PushBulk(jobs []*Job) (map[string]string, error) {
	if err := c.requireState(StateIdentified); err != nil {
		return nil, err
	}
	if err := c.requireNotRole(RoleConsumer, "PUSHB"); err != nil {
		return nil, err
	}
	data, err := json.Marshal(jobs)
	if err != nil {
		return nil, newProtocolError("failed to marshal jobs", err)
	}
	raw, err := c.sendAndReceive(wire.EncodeCommand("PUSHB", string(data)))
	if err != nil {
		return nil, err
	}
	reply := wire.ParseReply(raw)
	if reply.Kind == wire.Error {
		return nil, newProtocolError(reply.Text, nil)
	}
	if reply.Kind != wire.Bulk || reply.BulkLen < 0 {
		return nil, newProtocolError("expected bulk PUSHB reply", nil)
	}
	errs := map[string]string{}
	if err := json.Unmarshal([]byte(reply.BulkData), &errs); err != nil {
		return nil, newProtocolError("malformed PUSHB reply json", err)
	}
	return errs, nil
}

// BatchNew opens a new batch and returns its server-assigned bid.
func (c *Client) BatchNew(b *Batch) (string, error) {
	if err := c.requireState(StateIdentified); err != nil {
		return "", err
	}
	if err := c.requireNotRole(RoleConsumer, "BATCH NEW"); err != nil {
		return "", err
	}
	data, err := json.Marshal(b)
	if err != nil {
		return "", newProtocolError("failed to marshal batch", err)
	}
	raw, err := c.sendAndReceive(wire.EncodeCommand("BATCH NEW", string(data)))
	if err != nil {
		return "", err
	}
	reply := wire.ParseReply(raw)
	if reply.Kind == wire.Error {
		return "", newProtocolError(reply.Text, nil)
	}
	if reply.Kind != wire.Bulk || reply.BulkLen < 0 {
		return "", newProtocolError("expected bulk BATCH NEW reply", nil)
	}
	var body struct {
		Bid string `json:"bid"`
	}
	if err := json.Unmarshal([]byte(reply.BulkData), &body); err != nil {
		return "", newProtocolError("malformed BATCH NEW reply json", err)
	}
	return body.Bid, nil
}

// BatchOpen reopens an existing, not-yet-committed batch by id.
func (c *Client) BatchOpen(bid string) error {
	if err := c.requireState(StateIdentified); err != nil {
		return err
	}
	if err := c.requireNotRole(RoleConsumer, "BATCH OPEN"); err != nil {
		return err
	}
	raw, err := c.sendAndReceive(wire.EncodeCommand("BATCH OPEN", bid))
	if err != nil {
		return err
	}
	return raiseIfError(raw)
}

// BatchCommit marks a batch as fully populated; its callbacks fire once
// every job in it completes.
func (c *Client) BatchCommit(bid string) error {
	if err := c.requireState(StateIdentified); err != nil {
		return err
	}
	if err := c.requireNotRole(RoleConsumer, "BATCH COMMIT"); err != nil {
		return err
	}
	raw, err := c.sendAndReceive(wire.EncodeCommand("BATCH COMMIT", bid))
	if err != nil {
		return err
	}
	return raiseIfError(raw)
}

// BatchStatus fetches a batch's current progress counters.
func (c *Client) BatchStatus(bid string) (map[string]any, error) {
	if err := c.requireState(StateIdentified); err != nil {
		return nil, err
	}
	raw, err := c.sendAndReceive(wire.EncodeCommand("BATCH STATUS", bid))
	if err != nil {
		return nil, err
	}
	reply := wire.ParseReply(raw)
	if reply.Kind == wire.Error {
		return nil, newProtocolError(reply.Text, nil)
	}
	if reply.Kind != wire.Bulk || reply.BulkLen < 0 {
		return nil, newProtocolError("expected bulk BATCH STATUS reply", nil)
	}
	var status map[string]any
	if err := json.Unmarshal([]byte(reply.BulkData), &status); err != nil {
		return nil, newProtocolError("malformed BATCH STATUS reply json", err)
	}
	return status, nil
}

// Mutate applies a bulk administrative operation to the retries, scheduled,
// or dead job set.
func (c *Client) Mutate(op *MutateOperation) error {
	if err := c.requireState(StateIdentified); err != nil {
		return err
	}
	data, err := json.Marshal(op)
	if err != nil {
		return newProtocolError("failed to marshal mutate operation", err)
	}
	raw, err := c.sendAndReceive(wire.EncodeCommand("MUTATE", string(data)))
	if err != nil {
		return err
	}
	return raiseIfError(raw)
}

// Fetch reserves the next job from one of the given queues, or (nil, nil)
// if none is available. Consumer-only.
func (c *Client) Fetch(queues ...string) (*Job, error) {
	if err := c.requireState(StateIdentified); err != nil {
		return nil, err
	}
	if err := c.requireNotRole(RoleProducer, "FETCH"); err != nil {
		return nil, err
	}
	raw, err := c.sendAndReceive(wire.EncodeCommand("FETCH", strings.Join(queues, " ")))
	if err != nil {
		return nil, err
	}
	reply := wire.ParseReply(raw)
	if reply.Kind == wire.Error {
		return nil, newProtocolError(reply.Text, nil)
	}
	if reply.Kind != wire.Bulk {
		return nil, newProtocolError("expected bulk FETCH reply", nil)
	}
	if reply.BulkLen < 0 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(reply.BulkData), &job); err != nil {
		return nil, newProtocolError("malformed FETCH reply json", err)
	}
	return &job, nil
}

// Ack reports a job as successfully completed. Consumer-only.
func (c *Client) Ack(jid string) error {
	if err := c.requireState(StateIdentified, StateQuiet, StateTerminating); err != nil {
		return err
	}
	if err := c.requireNotRole(RoleProducer, "ACK"); err != nil {
		return err
	}
	data, err := json.Marshal(map[string]string{"jid": jid})
	if err != nil {
		return newProtocolError("failed to marshal ack payload", err)
	}
	raw, err := c.sendAndReceive(wire.EncodeCommand("ACK", string(data)))
	if err != nil {
		return err
	}
	return raiseIfError(raw)
}

// Fail reports a job as failed, with the message/errtype/backtrace the
// server records against its retry history. Consumer-only.
func (c *Client) Fail(jid string, workerErr *WorkerError, backtrace []string) error {
	if err := c.requireState(StateIdentified, StateQuiet, StateTerminating); err != nil {
		return err
	}
	if err := c.requireNotRole(RoleProducer, "FAIL"); err != nil {
		return err
	}
	if backtrace == nil {
		backtrace = []string{}
	}
	payload := map[string]any{
		"jid":       jid,
		"errtype":   workerErr.Errtype,
		"message":   workerErr.Msg,
		"backtrace": backtrace,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return newProtocolError("failed to marshal fail payload", err)
	}
	raw, err := c.sendAndReceive(wire.EncodeCommand("FAIL", string(data)))
	if err != nil {
		return err
	}
	return raiseIfError(raw)
}

// End gracefully closes the connection: it sends the END command (when the
// state allows one), closes the socket, and stops the heartbeat goroutine.
// Safe to call more than once.
func (c *Client) End() error {
	if c.getState() == StateDisconnected || c.getState() == StateEnd {
		return nil
	}

	if c.heartbeatCancel != nil {
		c.heartbeatCancel()
		<-c.heartbeatDone
	}

	if containsState([]State{StateIdentified, StateQuiet, StateTerminating}, c.getState()) {
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Send(wire.EncodeCommand("END", ""))
		}
		c.mu.Unlock()
	}
	c.setState(StateEnd)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		c.setState(StateDisconnected)
		return err
	}
	c.setState(StateDisconnected)
	return nil
}

// State reports the Client's current position in the connection lifecycle.
func (c *Client) State() State { return c.getState() }

// BeatPeriod reports the configured heartbeat interval — used by Consumer
// to size its poll sleep while the Client is QUIET.
func (c *Client) BeatPeriod() time.Duration { return c.beatPeriod }

// WorkerID reports the wid this Client reports in HELLO and BEAT. Empty
// for producer-role Clients.
func (c *Client) WorkerID() string { return c.workerID }
