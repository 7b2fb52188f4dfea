package faktory

import "encoding/json"

// MutateCmd is the operation applied to a MutateTarget set.
type MutateCmd int

const (
	MutateClear MutateCmd = iota
	MutateKill
	MutateDiscard
	MutateRequeue
)

func (c MutateCmd) String() string {
	switch c {
	case MutateClear:
		return "clear"
	case MutateKill:
		return "kill"
	case MutateDiscard:
		return "discard"
	case MutateRequeue:
		return "requeue"
	default:
		return ""
	}
}

func (c MutateCmd) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func mutateCmdFromString(s string) (MutateCmd, bool) {
	switch s {
	case "clear":
		return MutateClear, true
	case "kill":
		return MutateKill, true
	case "discard":
		return MutateDiscard, true
	case "requeue":
		return MutateRequeue, true
	default:
		return 0, false
	}
}

func (c *MutateCmd) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	cmd, ok := mutateCmdFromString(s)
	if !ok {
		return newValidationError("unknown mutate cmd %q", s)
	}
	*c = cmd
	return nil
}

// MutateTarget names which server-side job set a MutateOperation applies to.
type MutateTarget int

const (
	TargetRetries MutateTarget = iota
	TargetScheduled
	TargetDead
)

func (t MutateTarget) String() string {
	switch t {
	case TargetRetries:
		return "retries"
	case TargetScheduled:
		return "scheduled"
	case TargetDead:
		return "dead"
	default:
		return ""
	}
}

func (t MutateTarget) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func mutateTargetFromString(s string) (MutateTarget, bool) {
	switch s {
	case "retries":
		return TargetRetries, true
	case "scheduled":
		return TargetScheduled, true
	case "dead":
		return TargetDead, true
	default:
		return 0, false
	}
}

func (t *MutateTarget) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	target, ok := mutateTargetFromString(s)
	if !ok {
		return newValidationError("unknown mutate target %q", s)
	}
	*t = target
	return nil
}

// MutateOperation is a bulk administrative operation against one of the
// server's retries/scheduled/dead job sets.
type MutateOperation struct {
	Cmd    MutateCmd    `json:"cmd"`
	Target MutateTarget `json:"target"`
	Filter *JobFilter   `json:"filter,omitempty"`
}

// NewMutateOperation builds a MutateOperation. filter may be nil, in which
// case the operation applies to every job in the target set and the
// `filter` key is omitted from the wire form entirely (never serialized as
// `null`).
func NewMutateOperation(cmd MutateCmd, target MutateTarget, filter *JobFilter) *MutateOperation {
	return &MutateOperation{Cmd: cmd, Target: target, Filter: filter}
}
