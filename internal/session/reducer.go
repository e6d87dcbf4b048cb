package session

import (
	"time"

	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
	"github.com/capitalize-ai/whatsapp-gateway/internal/transport"
)

// Policy holds the lifecycle timings.
type Policy struct {
	QRTimeout         time.Duration
	ReconnectInterval time.Duration
	MaxAttempts       int
	InitWait          time.Duration
}

// DefaultPolicy is 60s pairing codes and 10 reconnects 5s apart.
func DefaultPolicy() Policy {
	return Policy{
		QRTimeout:         60 * time.Second,
		ReconnectInterval: 5 * time.Second,
		MaxAttempts:       10,
		InitWait:          3 * time.Second,
	}
}

// Snapshot is the reducer-owned part of a tenant record.
type Snapshot struct {
	State    model.SessionState
	Phone    string
	QRCode   string
	Attempts int
	Err      error
}

// Event is an input to Step.
type Event interface {
	eventName() string
}

type (
	InitializeRequested struct{}
	PairingCodeIssued   struct{ QRCode string }
	PairingExpired      struct{}
	Paired              struct{ Creds transport.Credentials }
	TransportConnected  struct{ Phone string }
	PhoneClaimed        struct{ Phone string }
	PhoneClaimRejected  struct {
		Phone string
		Err   error
	}
	TransportClosed struct {
		Reason transport.CloseReason
		Err    error
	}
	OpenFailed          struct{ Err error }
	ReconnectDue        struct{}
	DisconnectRequested struct{}
	ClearRequested      struct{}
)

func (InitializeRequested) eventName() string { return "initialize" }
func (PairingCodeIssued) eventName() string   { return "pairing_code" }
func (PairingExpired) eventName() string      { return "pairing_expired" }
func (Paired) eventName() string              { return "paired" }
func (TransportConnected) eventName() string  { return "connected" }
func (PhoneClaimed) eventName() string        { return "phone_claimed" }
func (PhoneClaimRejected) eventName() string  { return "phone_rejected" }
func (TransportClosed) eventName() string     { return "closed" }
func (OpenFailed) eventName() string          { return "open_failed" }
func (ReconnectDue) eventName() string        { return "reconnect_due" }
func (DisconnectRequested) eventName() string { return "disconnect" }
func (ClearRequested) eventName() string      { return "clear" }

// Effect is an instruction produced by Step for the manager to carry out,
// in order.
type Effect interface {
	effectName() string
}

type (
	CancelTimers      struct{}
	CloseHandle       struct{}
	LogoutHandle      struct{}
	OpenHandle        struct{}
	ScheduleQRExpiry  struct{}
	ScheduleReconnect struct{}
	SaveCredentials   struct{ Creds transport.Credentials }
	EraseCredentials  struct{}
	ClaimPhone        struct{ Phone string }
	ReleasePhone      struct{}
	PublishStatus     struct{}
	PublishError      struct {
		Code    string
		Message string
	}
)

func (CancelTimers) effectName() string      { return "cancel_timers" }
func (CloseHandle) effectName() string       { return "close_handle" }
func (LogoutHandle) effectName() string      { return "logout_handle" }
func (OpenHandle) effectName() string        { return "open_handle" }
func (ScheduleQRExpiry) effectName() string  { return "schedule_qr_expiry" }
func (ScheduleReconnect) effectName() string { return "schedule_reconnect" }
func (SaveCredentials) effectName() string   { return "save_credentials" }
func (EraseCredentials) effectName() string  { return "erase_credentials" }
func (ClaimPhone) effectName() string        { return "claim_phone" }
func (ReleasePhone) effectName() string      { return "release_phone" }
func (PublishStatus) effectName() string     { return "publish_status" }
func (PublishError) effectName() string      { return "publish_error" }

// Busy reports whether a session is starting or live, so Initialize
// must not open another handle.
func (s Snapshot) Busy() bool {
	switch s.State {
	case model.StateInitializing, model.StatePairing, model.StateConnected:
		return true
	}
	return false
}

// Step is the lifecycle state machine. It is pure: the manager performs
// the returned effects.
func Step(s Snapshot, ev Event, p Policy) (Snapshot, []Effect) {
	switch e := ev.(type) {
	case InitializeRequested:
		if s.Busy() {
			return s, nil
		}
		return Snapshot{State: model.StateInitializing},
			[]Effect{CancelTimers{}, CloseHandle{}, OpenHandle{}, PublishStatus{}}

	case PairingCodeIssued:
		if s.State != model.StateInitializing && s.State != model.StatePairing {
			return s, nil
		}
		s.State = model.StatePairing
		s.QRCode = e.QRCode
		s.Err = nil
		return s, []Effect{ScheduleQRExpiry{}, PublishStatus{}}

	case PairingExpired:
		if s.State != model.StatePairing {
			return s, nil
		}
		return repair(s)

	case Paired:
		return s, []Effect{SaveCredentials{Creds: e.Creds}}

	case TransportConnected:
		switch s.State {
		case model.StateInitializing, model.StatePairing:
		default:
			return s, nil
		}
		return s, []Effect{ClaimPhone{Phone: e.Phone}}

	case PhoneClaimed:
		s.State = model.StateConnected
		s.Phone = e.Phone
		s.QRCode = ""
		s.Attempts = 0
		s.Err = nil
		return s, []Effect{CancelTimers{}, PublishStatus{}}

	case PhoneClaimRejected:
		s.State = model.StateTerminated
		s.Phone = ""
		s.QRCode = ""
		s.Err = e.Err
		return s, []Effect{
			CancelTimers{}, LogoutHandle{}, CloseHandle{}, EraseCredentials{},
			PublishError{Code: model.ErrorCodePhoneConflict, Message: e.Err.Error()},
			PublishStatus{},
		}

	case TransportClosed:
		switch {
		case s.State == model.StateIdle || s.State == model.StateTerminated:
			return s, nil
		case e.Reason == transport.ClosePairingTimeout:
			if s.State != model.StatePairing {
				return s, nil
			}
			return repair(s)
		case e.Reason == transport.CloseLoggedOut:
			s.State = model.StateTerminated
			s.Phone = ""
			s.QRCode = ""
			s.Err = e.Err
			return s, []Effect{
				CancelTimers{}, CloseHandle{}, EraseCredentials{}, ReleasePhone{},
				PublishError{Code: model.ErrorCodeLoggedOut, Message: "session logged out from the phone"},
				PublishStatus{},
			}
		case e.Reason.Intentional():
			s.State = model.StateTerminated
			s.QRCode = ""
			s.Err = e.Err
			return s, []Effect{CancelTimers{}, CloseHandle{}, PublishStatus{}}
		default:
			if s.State == model.StateDisconnected {
				return s, nil
			}
			return retry(s, e.Err, p)
		}

	case OpenFailed:
		if s.State != model.StateInitializing && s.State != model.StatePairing && s.State != model.StateConnected {
			return s, nil
		}
		return retry(s, e.Err, p)

	case ReconnectDue:
		if s.State != model.StateDisconnected {
			return s, nil
		}
		s.State = model.StateInitializing
		return s, []Effect{OpenHandle{}, PublishStatus{}}

	case DisconnectRequested:
		return Snapshot{State: model.StateIdle},
			[]Effect{CancelTimers{}, CloseHandle{}, ReleasePhone{}, PublishStatus{}}

	case ClearRequested:
		return Snapshot{State: model.StateIdle},
			[]Effect{CancelTimers{}, LogoutHandle{}, CloseHandle{}, EraseCredentials{}, ReleasePhone{}, PublishStatus{}}
	}
	return s, nil
}

// repair drops the current pairing attempt and starts a fresh one.
func repair(s Snapshot) (Snapshot, []Effect) {
	s.State = model.StateInitializing
	s.QRCode = ""
	s.Err = model.ErrPairingExpired
	return s, []Effect{CancelTimers{}, CloseHandle{}, OpenHandle{}, PublishStatus{}}
}

// retry schedules a bounded reconnect, or gives up once the budget is spent.
func retry(s Snapshot, err error, p Policy) (Snapshot, []Effect) {
	s.State = model.StateDisconnected
	s.QRCode = ""
	if err != nil {
		s.Err = err
	}
	if s.Attempts < p.MaxAttempts {
		s.Attempts++
		return s, []Effect{CancelTimers{}, CloseHandle{}, ScheduleReconnect{}, PublishStatus{}}
	}
	return s, []Effect{
		CancelTimers{}, CloseHandle{},
		PublishError{Code: model.ErrorCodeReconnectExhausted, Message: "reconnect attempts exhausted"},
		PublishStatus{},
	}
}
