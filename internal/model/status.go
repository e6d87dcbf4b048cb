package model

// SessionState is a tenant's position in the connection lifecycle.
type SessionState string

const (
	StateIdle         SessionState = "IDLE"
	StateInitializing SessionState = "INITIALIZING"
	StatePairing      SessionState = "PAIRING"
	StateConnected    SessionState = "CONNECTED"
	StateDisconnected SessionState = "DISCONNECTED"
	StateTerminated   SessionState = "TERMINATED"
)

// ConnectionStatus is the externally visible view of a tenant session.
type ConnectionStatus struct {
	CompanyID          string       `json:"company_id"`
	State              SessionState `json:"state"`
	Connected          bool         `json:"connected"`
	PhoneNumber        string       `json:"phone_number,omitempty"`
	QRCode             string       `json:"qr_code,omitempty"`
	HasExistingSession bool         `json:"has_existing_session"`
	ReconnectAttempts  int          `json:"reconnect_attempts"`
	LastError          string       `json:"last_error,omitempty"`
}
