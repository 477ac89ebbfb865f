// Package whatsapp implements session.Client on top of whatsmeow, with one SQLite
// device store per session under the auth root.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/massender/waworker/internal/session"
)

const (
	deviceDBName  = "device.db"
	qrTimeoutText = "qr scan timed out"
)

var errNotConnected = errors.New("whatsapp client not connected")

// Options configures adapters built by NewFactory.
type Options struct {
	// AuthRoot holds one directory per session with its device store.
	AuthRoot string
	// PrintQR also renders pairing codes to QROut.
	PrintQR bool
	QROut   io.Writer
}

// NewFactory returns a session.ClientFactory building whatsmeow adapters.
func NewFactory(opts Options) session.ClientFactory {
	if opts.QROut == nil {
		opts.QROut = os.Stdout
	}
	return func(sessionID string) (session.Client, error) {
		dir, err := sessionDir(opts.AuthRoot, sessionID)
		if err != nil {
			return nil, err
		}
		return &Adapter{id: sessionID, dir: dir, opts: opts}, nil
	}
}

// sessionDir keeps each session's store inside the auth root.
func sessionDir(root, id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return filepath.Join(root, id), nil
}

// Adapter is a whatsmeow-backed session.Client.
type Adapter struct {
	id   string
	dir  string
	opts Options

	mu        sync.Mutex
	container *sqlstore.Container
	client    *whatsmeow.Client
	gen       int
	cancelQR  context.CancelFunc
	handlers  []func(session.Event)
}

// Subscribe registers a handler for adapter events.
func (a *Adapter) Subscribe(handler func(session.Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, handler)
}

func (a *Adapter) emit(gen int, evt session.Event) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	handlers := a.handlers
	a.mu.Unlock()

	for _, h := range handlers {
		h(evt)
	}
}

// Initialize opens the device store and connects. An unpaired device starts emitting QR
// events; a paired one reconnects with its stored credentials. Calling Initialize again
// replaces the previous connection.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	old, cancelOld := a.detachLocked()
	a.gen++
	gen := a.gen
	a.mu.Unlock()
	shutdown(old, cancelOld)

	client, err := a.newClient(ctx, gen)
	if err != nil {
		return err
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	slog.Debug("WhatsApp client connecting", "session_id", a.id, "paired", client.Store.ID != nil)
	return nil
}

func (a *Adapter) newClient(ctx context.Context, gen int) (*whatsmeow.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.container == nil {
		if err := os.MkdirAll(a.dir, 0o700); err != nil {
			return nil, fmt.Errorf("create auth dir: %w", err)
		}
		dsn := "file:" + filepath.Join(a.dir, deviceDBName) + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		container, err := sqlstore.New(ctx, "sqlite", dsn, NewLogger("whatsmeow.db").Sub(a.id))
		if err != nil {
			return nil, fmt.Errorf("open device store: %w", err)
		}
		a.container = container
	}

	device, err := a.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, NewLogger("whatsmeow.client").Sub(a.id))
	client.EnableAutoReconnect = false
	client.AddEventHandler(func(raw interface{}) { a.handleEvent(gen, client, raw) })

	if client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		qrChan, err := client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("get qr channel: %w", err)
		}
		a.cancelQR = cancel
		go a.pumpQR(gen, qrChan)
	}
	a.client = client
	return client, nil
}

func (a *Adapter) pumpQR(gen int, qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch {
		case item.Event == "code":
			if a.opts.PrintQR {
				if err := PrintQR(a.opts.QROut, a.id, item.Code); err != nil {
					slog.Warn("Failed to print QR", "session_id", a.id, "error", err)
				}
			}
			a.emit(gen, session.Event{Kind: session.EventQR, QRCode: item.Code})
		case item.Event == "timeout":
			a.emit(gen, session.Event{Kind: session.EventDisconnected, Reason: qrTimeoutText})
		case item.Event == "success":
		case item.Error != nil:
			a.emit(gen, session.Event{Kind: session.EventAuthFailure, Reason: item.Error.Error()})
		default:
			a.emit(gen, session.Event{Kind: session.EventAuthFailure, Reason: item.Event})
		}
	}
}

func (a *Adapter) handleEvent(gen int, client *whatsmeow.Client, raw interface{}) {
	switch v := raw.(type) {
	case *events.PairSuccess:
		a.emit(gen, session.Event{Kind: session.EventAuthenticated})
	case *events.Connected:
		id := session.Identity{PushName: client.Store.PushName}
		if client.Store.ID != nil {
			id.User = client.Store.ID.User
		}
		a.emit(gen, session.Event{Kind: session.EventReady, Identity: id})
	case *events.ConnectFailure:
		a.emit(gen, session.Event{Kind: session.EventAuthFailure, Reason: fmt.Sprintf("connect failure: %v %s", v.Reason, v.Message)})
	case *events.ClientOutdated:
		a.emit(gen, session.Event{Kind: session.EventAuthFailure, Reason: "client outdated"})
	case *events.TemporaryBan:
		a.emit(gen, session.Event{Kind: session.EventAuthFailure, Reason: v.String()})
	case *events.LoggedOut:
		a.emit(gen, session.Event{Kind: session.EventDisconnected, Reason: fmt.Sprintf("logged out: %v", v.Reason)})
	case *events.StreamReplaced:
		a.emit(gen, session.Event{Kind: session.EventDisconnected, Reason: "stream replaced"})
	case *events.Disconnected:
		a.emit(gen, session.Event{Kind: session.EventDisconnected, Reason: "connection lost"})
	case *events.Message:
		a.emit(gen, session.Event{Kind: session.EventMessage, Message: a.convertMessage(client, v)})
	}
}

func (a *Adapter) convertMessage(client *whatsmeow.Client, v *events.Message) *session.Message {
	from := a.phoneJID(context.Background(), client, v.Info.Sender).String()
	if v.Info.IsGroup {
		// group traffic is addressed to the group, not the member
		from = v.Info.Chat.String()
	}
	return &session.Message{
		ID:        v.Info.ID,
		From:      from,
		Body:      messageText(v.Message),
		FromMe:    v.Info.IsFromMe,
		Timestamp: v.Info.Timestamp,
	}
}

func messageText(m *waE2E.Message) string {
	switch {
	case m.GetConversation() != "":
		return m.GetConversation()
	case m.GetExtendedTextMessage().GetText() != "":
		return m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		return m.GetImageMessage().GetCaption()
	case m.GetVideoMessage() != nil:
		return m.GetVideoMessage().GetCaption()
	case m.GetDocumentMessage() != nil:
		return m.GetDocumentMessage().GetCaption()
	}
	return ""
}

func (a *Adapter) connected() (*whatsmeow.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil || !a.client.IsConnected() {
		return nil, errNotConnected
	}
	return a.client, nil
}

// SendPayload sends text or one attachment to target.
func (a *Adapter) SendPayload(ctx context.Context, target string, payload session.Payload) error {
	client, err := a.connected()
	if err != nil {
		return err
	}
	jid, err := types.ParseJID(target)
	if err != nil {
		return fmt.Errorf("parse target: %w", err)
	}

	var msg *waE2E.Message
	if payload.Attachment != nil {
		msg, err = a.mediaMessage(ctx, client, payload.Attachment)
		if err != nil {
			return err
		}
	} else {
		msg = &waE2E.Message{Conversation: proto.String(payload.Text)}
	}

	if _, err := client.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (a *Adapter) mediaMessage(ctx context.Context, client *whatsmeow.Client, att *session.Attachment) (*waE2E.Message, error) {
	mediaType := mediaTypeFor(att)
	up, err := client.Upload(ctx, att.Data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}

	switch mediaType {
	case whatsmeow.MediaImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Mimetype:      proto.String(att.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case whatsmeow.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Mimetype:      proto.String(att.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	case whatsmeow.MediaAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(att.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Title:         proto.String(att.FileName),
			FileName:      proto.String(att.FileName),
			Mimetype:      proto.String(att.MimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}, nil
	}
}

func mediaTypeFor(att *session.Attachment) whatsmeow.MediaType {
	if att.AsDocument {
		return whatsmeow.MediaDocument
	}
	switch {
	case strings.HasPrefix(att.MimeType, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(att.MimeType, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(att.MimeType, "audio/"):
		return whatsmeow.MediaAudio
	}
	return whatsmeow.MediaDocument
}

// ListChats returns joined groups followed by direct chats from the contact store.
func (a *Adapter) ListChats(ctx context.Context) ([]session.Chat, error) {
	client, err := a.connected()
	if err != nil {
		return nil, err
	}

	groups, err := client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("get joined groups: %w", err)
	}
	chats := make([]session.Chat, 0, len(groups))
	for _, g := range groups {
		chat := session.Chat{
			ID:      g.JID.String(),
			User:    g.JID.User,
			Name:    g.Name,
			IsGroup: true,
		}
		for _, p := range g.Participants {
			pn := a.phoneJID(ctx, client, p.JID)
			chat.Participants = append(chat.Participants, session.Participant{ID: pn.String(), User: pn.User})
		}
		chats = append(chats, chat)
	}

	contacts, err := client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("get contacts: %w", err)
	}
	for jid, info := range contacts {
		if jid.Server != types.DefaultUserServer {
			continue
		}
		chats = append(chats, session.Chat{
			ID:      jid.String(),
			User:    jid.User,
			Name:    info.FullName,
			Contact: &session.Contact{ID: jid.String(), PushName: info.PushName, Name: info.FullName, ShortName: info.FirstName},
		})
	}
	return chats, nil
}

// phoneJID maps a hidden-user (LID) address to its phone number address when known.
func (a *Adapter) phoneJID(ctx context.Context, client *whatsmeow.Client, jid types.JID) types.JID {
	jid = jid.ToNonAD()
	if jid.Server != types.HiddenUserServer {
		return jid
	}
	pn, err := client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn.ToNonAD()
}

// ResolveContact looks id up in the contact store.
func (a *Adapter) ResolveContact(ctx context.Context, id string) (session.Contact, error) {
	client, err := a.connected()
	if err != nil {
		return session.Contact{}, err
	}
	jid, err := types.ParseJID(id)
	if err != nil {
		return session.Contact{}, fmt.Errorf("parse contact id: %w", err)
	}
	info, err := client.Store.Contacts.GetContact(ctx, jid)
	if err != nil {
		return session.Contact{}, fmt.Errorf("get contact: %w", err)
	}
	return session.Contact{
		ID:        id,
		PushName:  info.PushName,
		Name:      info.FullName,
		ShortName: info.FirstName,
	}, nil
}

// Logout unlinks the device. The stored credentials are removed by whatsmeow.
func (a *Adapter) Logout(ctx context.Context) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil || client.Store.ID == nil {
		return errNotConnected
	}
	return client.Logout(ctx)
}

// Destroy disconnects and closes the device store.
func (a *Adapter) Destroy() error {
	a.mu.Lock()
	old, cancelOld := a.detachLocked()
	a.gen++
	a.mu.Unlock()
	shutdown(old, cancelOld)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.container == nil {
		return nil
	}
	err := a.container.Close()
	a.container = nil
	return err
}

func (a *Adapter) detachLocked() (*whatsmeow.Client, context.CancelFunc) {
	client, cancel := a.client, a.cancelQR
	a.client, a.cancelQR = nil, nil
	return client, cancel
}

func shutdown(client *whatsmeow.Client, cancelQR context.CancelFunc) {
	if cancelQR != nil {
		cancelQR()
	}
	if client != nil {
		client.Disconnect()
	}
}
