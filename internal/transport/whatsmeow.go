package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/capitalize-ai/whatsapp-gateway/pkg/logger"
)

// DeviceSource hands out whatsmeow device stores: the stored device for
// non-empty credentials, a new one otherwise.
type DeviceSource interface {
	Device(ctx context.Context, creds Credentials) (*wastore.Device, error)
}

// Whatsmeow opens sessions through whatsmeow. Automatic reconnects are
// disabled; the session manager owns retry.
type Whatsmeow struct {
	devices DeviceSource
	log     *logger.Logger
}

// NewWhatsmeow creates the whatsmeow transport.
func NewWhatsmeow(devices DeviceSource, log *logger.Logger) *Whatsmeow {
	return &Whatsmeow{devices: devices, log: log}
}

// Open connects a client for tenantID. Without a paired device the
// handle starts emitting pairing codes.
func (w *Whatsmeow) Open(ctx context.Context, tenantID string, creds Credentials) (Handle, error) {
	device, err := w.devices.Device(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, nil)
	client.EnableAutoReconnect = false

	hctx, cancel := context.WithCancel(context.Background())
	h := &waHandle{
		client: client,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		ctx:    hctx,
		cancel: cancel,
		log:    w.log.WithTenant(tenantID),
	}
	h.handlerID = client.AddEventHandler(h.onEvent)

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(hctx)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("get qr channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			h.Close()
			return nil, fmt.Errorf("connect: %w", err)
		}
		go h.pumpQR(qrChan)
		return h, nil
	}

	if err := client.Connect(); err != nil {
		h.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return h, nil
}

type waHandle struct {
	client    *whatsmeow.Client
	handlerID uint32
	events    chan Event
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	log       *logger.Logger
}

func (h *waHandle) Events() <-chan Event  { return h.events }
func (h *waHandle) Done() <-chan struct{} { return h.done }

func (h *waHandle) Identity() string {
	if h.client.Store.ID == nil {
		return ""
	}
	return h.client.Store.ID.User
}

func (h *waHandle) emit(ev Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

func (h *waHandle) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-h.done:
			return
		case item, ok := <-ch:
			if !ok {
				return
			}
			switch item.Event {
			case "code":
				h.emit(ConnectionEvent{State: ConnPairing, Code: item.Code})
			case whatsmeow.QRChannelSuccess.Event:
				// Connected follows once the paired session logs in.
			case whatsmeow.QRChannelTimeout.Event:
				h.emit(ConnectionEvent{State: ConnClosed, Reason: ClosePairingTimeout})
			case "error":
				h.emit(ConnectionEvent{State: ConnClosed, Reason: CloseUnexpected, Err: item.Error})
			default:
				h.emit(ConnectionEvent{
					State:  ConnClosed,
					Reason: CloseUnexpected,
					Err:    fmt.Errorf("pairing failed: %s", item.Event),
				})
			}
		}
	}
}

func (h *waHandle) onEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		h.emit(ConnectionEvent{
			State: ConnPaired,
			Phone: e.ID.User,
			Creds: Credentials{DeviceJID: e.ID.String()},
		})
	case *events.Connected:
		h.emit(ConnectionEvent{State: ConnConnected, Phone: h.Identity()})
	case *events.LoggedOut:
		h.emit(ConnectionEvent{State: ConnClosed, Reason: CloseLoggedOut})
	case *events.StreamReplaced:
		h.emit(ConnectionEvent{State: ConnClosed, Reason: CloseReplaced})
	case *events.Disconnected:
		h.emit(ConnectionEvent{State: ConnClosed, Reason: CloseUnexpected})
	case *events.ConnectFailure:
		reason := CloseUnexpected
		if e.Reason == events.ConnectFailureLoggedOut {
			reason = CloseLoggedOut
		}
		h.emit(ConnectionEvent{
			State:  ConnClosed,
			Reason: reason,
			Err:    fmt.Errorf("connect failure %d: %s", e.Reason, e.Message),
		})
	case *events.TemporaryBan:
		h.emit(ConnectionEvent{
			State:  ConnClosed,
			Reason: CloseExplicit,
			Err:    fmt.Errorf("temporary ban %d, expires in %s", e.Code, e.Expire),
		})
	case *events.Message:
		ev := newMessageEvent(e, func(lid types.JID) (types.JID, error) {
			return h.client.Store.LIDs.GetPNForLID(h.ctx, lid)
		})
		if ev.Server == types.HiddenUserServer {
			h.log.Debug("no phone number for lid chat", zap.String("chat", ev.Ref.Chat))
		}
		h.emit(ev)
	}
}

// phoneChat maps a chat addressed by LID to the counterpart's phone
// address. The alternate address carried on the message wins over the
// device's mapping table. Unresolvable chats are returned unchanged.
func phoneChat(src types.MessageSource, lookup func(types.JID) (types.JID, error)) types.JID {
	chat := src.Chat
	if chat.Server != types.HiddenUserServer {
		return chat
	}
	alt := src.SenderAlt
	if src.IsFromMe {
		alt = src.RecipientAlt
	}
	if alt.Server == types.DefaultUserServer {
		return alt.ToNonAD()
	}
	if lookup != nil {
		if pn, err := lookup(chat.ToNonAD()); err == nil && pn.Server == types.DefaultUserServer {
			return pn.ToNonAD()
		}
	}
	return chat
}

// newMessageEvent addresses the event by the counterpart's phone. Ref
// keeps the original addressing, which read receipts must echo.
func newMessageEvent(e *events.Message, lookup func(types.JID) (types.JID, error)) MessageEvent {
	chat := phoneChat(e.Info.MessageSource, lookup)
	return MessageEvent{
		ID:        e.Info.ID,
		From:      chat.User,
		Server:    chat.Server,
		FromMe:    e.Info.IsFromMe,
		Timestamp: e.Info.Timestamp,
		PushName:  e.Info.PushName,
		Payload:   payloadOf(e.Message),
		Ref: MessageRef{
			ID:        e.Info.ID,
			Chat:      e.Info.Chat.String(),
			Sender:    e.Info.Sender.String(),
			Timestamp: e.Info.Timestamp,
		},
	}
}

func payloadOf(msg *waE2E.Message) *Payload {
	if msg == nil {
		return nil
	}
	switch {
	case msg.GetConversation() != "":
		return &Payload{Kind: KindText, Text: msg.GetConversation()}
	case msg.GetExtendedTextMessage() != nil:
		return &Payload{Kind: KindExtendedText, Text: msg.GetExtendedTextMessage().GetText()}
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		return &Payload{Kind: KindImage, Caption: img.GetCaption(), MimeType: img.GetMimetype(), Media: img}
	case msg.GetVideoMessage() != nil:
		vid := msg.GetVideoMessage()
		return &Payload{Kind: KindVideo, Caption: vid.GetCaption(), MimeType: vid.GetMimetype()}
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		return &Payload{Kind: KindDocument, FileName: doc.GetFileName(), MimeType: doc.GetMimetype()}
	default:
		return &Payload{Kind: KindUnsupported}
	}
}

func (h *waHandle) Send(ctx context.Context, to, text, id string) (string, error) {
	jid := types.NewJID(NormalizePhone(to), types.DefaultUserServer)
	var extra []whatsmeow.SendRequestExtra
	if id != "" {
		extra = append(extra, whatsmeow.SendRequestExtra{ID: types.MessageID(id)})
	}
	resp, err := h.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	}, extra...)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (h *waHandle) FetchProfile(ctx context.Context, phone string) (Profile, error) {
	jid := types.NewJID(phone, types.DefaultUserServer)
	info, err := h.client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{Preview: true})
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if info != nil {
		p.AvatarURL = info.URL
	}
	return p, nil
}

func (h *waHandle) MarkRead(ctx context.Context, ref MessageRef) error {
	chat, err := types.ParseJID(ref.Chat)
	if err != nil {
		return fmt.Errorf("parse chat: %w", err)
	}
	sender, err := types.ParseJID(ref.Sender)
	if err != nil {
		return fmt.Errorf("parse sender: %w", err)
	}
	return h.client.MarkRead(ctx, []types.MessageID{ref.ID}, time.Now(), chat, sender)
}

func (h *waHandle) DownloadImage(ctx context.Context, p *Payload) ([]byte, string, error) {
	media, ok := p.Media.(whatsmeow.DownloadableMessage)
	if !ok || p.Kind != KindImage {
		return nil, "", errors.New("payload has no downloadable image")
	}
	data, err := h.client.Download(ctx, media)
	if err != nil {
		return nil, "", err
	}
	return data, p.MimeType, nil
}

func (h *waHandle) Logout(ctx context.Context) error {
	if h.client.Store.ID == nil {
		return nil
	}
	return h.client.Logout(ctx)
}

func (h *waHandle) Close() {
	h.closeOnce.Do(func() {
		h.cancel()
		h.client.RemoveEventHandler(h.handlerID)
		h.client.Disconnect()
		close(h.done)
		h.log.Debug("whatsapp handle closed", zap.String("identity", h.Identity()))
	})
}
