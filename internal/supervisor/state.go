package supervisor

import "time"

// State is the supervisor's lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

func (s State) String() string { return string(s) }

// Status is a point-in-time view of the supervisor.
type Status struct {
	State        State     `json:"state"`
	Running      bool      `json:"running"`
	PID          int       `json:"pid,omitempty"`
	Attempt      string    `json:"attempt,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	ReadyAt      time.Time `json:"ready_at,omitempty"`
	Uptime       string    `json:"uptime,omitempty"`
	LastExitCode *int      `json:"last_exit_code,omitempty"`
	RestartCount int       `json:"restart_count"`
	InstallDir   string    `json:"install_dir"`
}
