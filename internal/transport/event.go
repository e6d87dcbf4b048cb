package transport

import (
	"time"
)

// Event is either a ConnectionEvent or a MessageEvent.
type Event interface {
	isEvent()
}

// ConnState is the network-side state carried by a ConnectionEvent.
type ConnState string

const (
	// ConnPairing carries a fresh raw pairing token in Code.
	ConnPairing ConnState = "pairing"
	// ConnPaired reports that a code was scanned; Creds must be persisted.
	ConnPaired ConnState = "paired"
	// ConnConnected reports a logged-in session; Phone is its identity.
	ConnConnected ConnState = "connected"
	// ConnClosed reports the session ended; Reason says why.
	ConnClosed ConnState = "closed"
)

// CloseReason classifies a closed session.
type CloseReason string

const (
	CloseUnexpected     CloseReason = "unexpected"
	CloseLoggedOut      CloseReason = "logged_out"
	CloseReplaced       CloseReason = "replaced"
	CloseExplicit       CloseReason = "explicit"
	ClosePairingTimeout CloseReason = "pairing_timeout"
)

// Intentional reports whether the close must not trigger a reconnect.
func (r CloseReason) Intentional() bool {
	switch r {
	case CloseLoggedOut, CloseReplaced, CloseExplicit:
		return true
	}
	return false
}

// ConnectionEvent reports a session state change.
type ConnectionEvent struct {
	State  ConnState
	Code   string
	Phone  string
	Creds  Credentials
	Reason CloseReason
	Err    error
}

func (ConnectionEvent) isEvent() {}

// MessageEvent is one message seen on the session, sent or received.
type MessageEvent struct {
	ID string
	// From is the counterpart's user part; Server its address server.
	From      string
	Server    string
	FromMe    bool
	Timestamp time.Time
	PushName  string
	Payload   *Payload
	Ref       MessageRef
}

func (MessageEvent) isEvent() {}

// PayloadKind tags the content of a message.
type PayloadKind int

const (
	KindUnsupported PayloadKind = iota
	KindText
	KindExtendedText
	KindImage
	KindVideo
	KindDocument
)

func (k PayloadKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindExtendedText:
		return "extended_text"
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	case KindDocument:
		return "document"
	default:
		return "unsupported"
	}
}

// Payload is the tagged content of a message. Only the fields of its Kind
// are meaningful.
type Payload struct {
	Kind     PayloadKind
	Text     string
	Caption  string
	FileName string
	MimeType string

	// Media is the transport's own media descriptor, passed back to
	// Handle.DownloadImage.
	Media any
}
