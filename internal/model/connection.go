package model

import "time"

// ConnectionState is the reachability state of the backend as seen by the
// connection manager.
type ConnectionState string

const (
	ConnectionStateConnected    ConnectionState = "CONNECTED"
	ConnectionStateConnecting   ConnectionState = "CONNECTING"
	ConnectionStateDisconnected ConnectionState = "DISCONNECTED"
	ConnectionStateUnknown      ConnectionState = "UNKNOWN"
)

// ConnectionInfo is a read-only snapshot of the connection manager.
type ConnectionInfo struct {
	State               ConnectionState `json:"state"`
	OfflineMode         bool            `json:"offline_mode"`
	LastError           string          `json:"last_error,omitempty"`
	LastSuccessAt       time.Time       `json:"last_success_at"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	NextReconnectAt     time.Time       `json:"next_reconnect_at"`
}

type ConnectionManagerConfig struct {
	InitialReconnectDelay time.Duration `json:"initial_reconnect_delay" yaml:"initial_reconnect_delay"`
	MaxReconnectDelay     time.Duration `json:"max_reconnect_delay" yaml:"max_reconnect_delay"`
	MaxReconnectAttempts  int           `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	HeartbeatInterval     time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	StalenessWindow       time.Duration `json:"staleness_window" yaml:"staleness_window"`
}
