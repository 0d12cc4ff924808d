package types

import "time"

type ErrorRes struct {
	Error string `json:"error" example:"Service dhcp is not configured!"`
	Kind  string `json:"kind,omitempty" example:"UnconfiguredSubsystem"`
}

type LogEntryRes struct {
	Time      time.Time `json:"time"`
	Level     string    `json:"level" example:"warn"`
	Component string    `json:"component,omitempty" example:"wlb"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

type LogsRes struct {
	Logs []LogEntryRes `json:"logs"`
}

type LogLevelReq struct {
	Level string `json:"level" example:"debug"`
}

type LogLevelRes struct {
	Level string `json:"level" example:"info"`
}

type CommitRes struct {
	Revision string   `json:"revision,omitempty"`
	Changes  []string `json:"changes"`
	Jobs     []string `json:"jobs"`
}
