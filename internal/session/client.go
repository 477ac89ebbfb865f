package session

import (
	"context"
	"time"
)

// Client is the capability set a session needs from a linked-device transport.
// Implementations deliver events to subscribed handlers in emission order.
type Client interface {
	// Initialize starts (or restarts) the link. It may return before the device is ready.
	Initialize(ctx context.Context) error
	// Subscribe registers a handler for adapter events.
	Subscribe(handler func(Event))
	// SendPayload delivers one text or attachment to a chat id.
	SendPayload(ctx context.Context, target string, payload Payload) error
	// ListChats enumerates every chat known to the linked account.
	ListChats(ctx context.Context) ([]Chat, error)
	// ResolveContact looks up a contact by chat id.
	ResolveContact(ctx context.Context, id string) (Contact, error)
	// Logout unlinks the device from the account.
	Logout(ctx context.Context) error
	// Destroy releases every resource held by the client.
	Destroy() error
}

// ClientFactory builds the client owned by one session.
type ClientFactory func(sessionID string) (Client, error)

// EventKind names an adapter event.
type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventAuthFailure   EventKind = "auth_failure"
	EventDisconnected  EventKind = "disconnected"
	EventMessage       EventKind = "message"
	EventLoading       EventKind = "loading_screen"
)

// Event is emitted by a Client.
type Event struct {
	Kind EventKind
	// QRCode is the raw pairing code for EventQR.
	QRCode string
	// Reason carries the failure message, disconnect reason or loading message.
	Reason string
	// Percent is the loading progress for EventLoading.
	Percent int
	// Identity is the linked account for EventReady.
	Identity Identity
	// Message is set for EventMessage.
	Message *Message
}

// Identity describes the account a device is linked to.
type Identity struct {
	PushName string
	User     string
}

// Message is an inbound chat message.
type Message struct {
	ID        string
	From      string
	Body      string
	FromMe    bool
	Timestamp time.Time
}

// Payload is a single outbound delivery: text, or an attachment.
type Payload struct {
	Text       string
	Attachment *Attachment
}

// Attachment is fetched media ready for upload.
type Attachment struct {
	Data       []byte
	MimeType   string
	FileName   string
	AsDocument bool
}

// Chat is an entry of the linked account's chat list.
type Chat struct {
	ID           string
	User         string
	Name         string
	IsGroup      bool
	Participants []Participant
	Contact      *Contact
}

// Participant is a member of a group chat.
type Participant struct {
	ID   string
	User string
}

// Contact is a resolved address book entry.
type Contact struct {
	ID        string
	PushName  string
	Name      string
	ShortName string
}
