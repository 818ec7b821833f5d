package proc

import "fmt"

// State is the lifecycle state of a process record.
type State uint8

const (
	Running State = iota
	Sleeping
	Waiting
	Zombie
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Sleeping:
		return "sleeping"
	case Waiting:
		return "waiting"
	case Zombie:
		return "zombie"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for v := Running; v <= Stopped; v++ {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown process state %q", text)
}

// Live reports whether a process in this state can still issue calls.
func (s State) Live() bool {
	return s != Zombie
}

// Record is one entry of the process table.
type Record struct {
	PID  int `json:"pid"`
	PPID int `json:"ppid"`
	PGID int `json:"pgid"`
	SID  int `json:"sid"`

	UID  uint32 `json:"uid"`
	GID  uint32 `json:"gid"`
	EUID uint32 `json:"euid"`
	EGID uint32 `json:"egid"`

	State    State `json:"state"`
	Priority int   `json:"priority"`
	Policy   int   `json:"policy"`
	// Score is an auxiliary ranking carried for external services. The table never interprets it.
	Score uint64 `json:"score"`

	ExitCode int `json:"exitCode"`
	// TermSignal is the signal that terminated the process, 0 after a normal exit.
	TermSignal int    `json:"termSignal,omitempty"`
	Command    string `json:"command,omitempty"`

	SigMask    uint64            `json:"sigMask"`
	SigPending uint64            `json:"sigPending"`
	SigActions map[int]SigAction `json:"sigActions,omitempty"`
}

// SigAction is the part of a signal disposition the table keeps.
type SigAction struct {
	Handler  uint64 `json:"handler"`
	Flags    uint64 `json:"flags"`
	Restorer uint64 `json:"restorer"`
	Mask     uint64 `json:"mask"`
}

func (r *Record) clone() Record {
	out := *r
	if r.SigActions != nil {
		out.SigActions = make(map[int]SigAction, len(r.SigActions))
		for k, v := range r.SigActions {
			out.SigActions[k] = v
		}
	}
	return out
}
