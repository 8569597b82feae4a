package model

import (
	"fmt"
	"strconv"
	"time"
)

// CommandPriority orders dispatch. Higher values are dispatched first.
type CommandPriority int

const (
	PriorityLow CommandPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p CommandPriority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	}
	return fmt.Sprintf("PRIORITY(%d)", int(p))
}

// ParsePriority maps the wire representation back to a priority.
func ParsePriority(s string) (CommandPriority, error) {
	switch s {
	case "LOW":
		return PriorityLow, nil
	case "NORMAL", "":
		return PriorityNormal, nil
	case "HIGH":
		return PriorityHigh, nil
	case "CRITICAL":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// MarshalJSON renders the symbolic name.
func (p CommandPriority) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(p.String())), nil
}

// UnmarshalJSON accepts the symbolic name or the bare level.
func (p *CommandPriority) UnmarshalJSON(data []byte) error {
	if s, err := strconv.Unquote(string(data)); err == nil {
		v, err := ParsePriority(s)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("priority must be a name or a number, got %s", data)
	}
	if n < int(PriorityLow) || n > int(PriorityCritical) {
		return fmt.Errorf("priority %d out of range", n)
	}
	*p = CommandPriority(n)
	return nil
}

// CommandStatus is the dispatch state machine state.
type CommandStatus string

const (
	CommandPending   CommandStatus = "PENDING"
	CommandSent      CommandStatus = "SENT"
	CommandDelivered CommandStatus = "DELIVERED"
	CommandExecuted  CommandStatus = "EXECUTED"
	CommandFailed    CommandStatus = "FAILED"
	CommandTimeout   CommandStatus = "TIMEOUT"
	CommandCancelled CommandStatus = "CANCELLED"
	CommandExpired   CommandStatus = "EXPIRED"
)

// Terminal reports whether no further transitions are possible.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandExecuted, CommandFailed, CommandTimeout, CommandCancelled, CommandExpired:
		return true
	}
	return false
}

// validTransitions encodes the command state machine. FAILED appears both as
// a retryable state (FAILED -> PENDING) and a terminal one once retries are
// exhausted; the queue enforces the retry bound.
var validTransitions = map[CommandStatus][]CommandStatus{
	CommandPending:   {CommandSent, CommandCancelled, CommandExpired, CommandFailed},
	CommandSent:      {CommandDelivered, CommandExecuted, CommandTimeout, CommandFailed},
	CommandDelivered: {CommandExecuted, CommandTimeout},
	CommandFailed:    {CommandPending},
}

// CanTransition reports whether from -> to follows the state machine.
func (s CommandStatus) CanTransition(to CommandStatus) bool {
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Known command types. Decoders own the per-protocol wire mapping.
const (
	CommandSetInterval    = "setInterval"
	CommandSetOverspeed   = "setOverspeed"
	CommandReboot         = "reboot"
	CommandPositionSingle = "positionSingle"
	CommandEngineStop     = "engineStop"
	CommandEngineResume   = "engineResume"
	CommandOutputControl  = "outputControl"
	CommandCustom         = "custom"
)

// Command is one outbound control instruction.
type Command struct {
	ID       string `json:"id"` // uuid
	DeviceID int64  `json:"deviceId"`
	Operator string `json:"operator,omitempty"`
	Type     string `json:"type"`

	Priority CommandPriority   `json:"priority"`
	Status   CommandStatus     `json:"status"`
	Params   map[string]string `json:"params,omitempty"`
	Payload  string            `json:"payload,omitempty"` // rendered wire string

	RetryCount int       `json:"retryCount"`
	MaxRetries int       `json:"maxRetries"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`

	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`

	CreatedAt   time.Time `json:"createdAt"`
	SentAt      time.Time `json:"sentAt,omitempty"`
	DeliveredAt time.Time `json:"deliveredAt,omitempty"`
	ExecutedAt  time.Time `json:"executedAt,omitempty"`
	DoneAt      time.Time `json:"doneAt,omitempty"`
}

// Expired reports whether the command passed its deadline at now.
func (c *Command) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// QueueEntry is the dispatchable view of a non-terminal command.
type QueueEntry struct {
	CommandID  string          `json:"commandId"`
	DeviceID   int64           `json:"deviceId"`
	Priority   CommandPriority `json:"priority"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	EarliestAt time.Time       `json:"earliestAt,omitempty"`
	Attempts   int             `json:"attempts"`
	LastAt     time.Time       `json:"lastAt,omitempty"`
	NextAt     time.Time       `json:"nextAt,omitempty"`
	Active     bool            `json:"active"`
}

// Ready reports whether the entry is visible to the dispatcher at now.
func (e *QueueEntry) Ready(now time.Time) bool {
	if !e.Active {
		return false
	}
	if !e.EarliestAt.IsZero() && now.Before(e.EarliestAt) {
		return false
	}
	if !e.NextAt.IsZero() && now.Before(e.NextAt) {
		return false
	}
	return true
}

// CommandTemplate composes commands with parameter overrides.
type CommandTemplate struct {
	ID         int64             `json:"id"`
	Name       string            `json:"name"`
	Type       string            `json:"type"`
	Priority   CommandPriority   `json:"priority"`
	Params     map[string]string `json:"params,omitempty"`
	MaxRetries int               `json:"maxRetries"`
	Channel    string            `json:"channel,omitempty"`
	UseCount   int64             `json:"useCount"`
}

// ScheduledCommand enqueues a fresh command on each fire.
type ScheduledCommand struct {
	ID             int64             `json:"id"`
	DeviceID       int64             `json:"deviceId"`
	Type           string            `json:"type"`
	Priority       CommandPriority   `json:"priority"`
	Params         map[string]string `json:"params,omitempty"`
	MaxRetries     int               `json:"maxRetries"`
	EarliestAt     time.Time         `json:"earliestAt"`
	RepeatInterval time.Duration     `json:"repeatInterval,omitempty"`
	MaxRepeats     int               `json:"maxRepeats,omitempty"`
	FireCount      int               `json:"fireCount"`
	Disabled       bool              `json:"disabled"`
}
