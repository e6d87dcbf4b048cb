package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

var (
	customerPN  = types.NewJID("5215512345678", types.DefaultUserServer)
	customerLID = types.NewJID("104857600123456", types.HiddenUserServer)
)

func noMapping(types.JID) (types.JID, error) {
	return types.EmptyJID, errors.New("no mapping")
}

func TestPhoneChat_PhoneAddressedIsUnchanged(t *testing.T) {
	src := types.MessageSource{Chat: customerPN, Sender: customerPN}
	assert.Equal(t, customerPN, phoneChat(src, noMapping))
}

func TestPhoneChat_InboundUsesSenderAlt(t *testing.T) {
	src := types.MessageSource{
		Chat:      customerLID,
		Sender:    customerLID,
		SenderAlt: types.JID{User: customerPN.User, Device: 3, Server: types.DefaultUserServer},
	}
	assert.Equal(t, customerPN, phoneChat(src, noMapping))
}

func TestPhoneChat_OwnMessageUsesRecipientAlt(t *testing.T) {
	src := types.MessageSource{
		Chat:         customerLID,
		IsFromMe:     true,
		SenderAlt:    types.NewJID("5215500000000", types.DefaultUserServer),
		RecipientAlt: customerPN,
	}
	assert.Equal(t, customerPN, phoneChat(src, noMapping))
}

func TestPhoneChat_FallsBackToMappingTable(t *testing.T) {
	var asked types.JID
	lookup := func(lid types.JID) (types.JID, error) {
		asked = lid
		return customerPN, nil
	}
	src := types.MessageSource{Chat: customerLID, Sender: customerLID}

	assert.Equal(t, customerPN, phoneChat(src, lookup))
	assert.Equal(t, customerLID, asked)
}

func TestPhoneChat_UnresolvedStaysLID(t *testing.T) {
	src := types.MessageSource{Chat: customerLID, Sender: customerLID}
	assert.Equal(t, customerLID, phoneChat(src, noMapping))
}

func TestNewMessageEvent_LIDChatKeepsOriginalRef(t *testing.T) {
	ts := time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:      customerLID,
				Sender:    customerLID,
				SenderAlt: customerPN,
			},
			ID:        "3A0000000000000001",
			PushName:  "Ana",
			Timestamp: ts,
		},
		Message: &waE2E.Message{Conversation: proto.String("Hola")},
	}

	ev := newMessageEvent(evt, noMapping)

	assert.Equal(t, customerPN.User, ev.From)
	assert.Equal(t, UserServer, ev.Server)
	assert.Equal(t, "Ana", ev.PushName)
	assert.Equal(t, &Payload{Kind: KindText, Text: "Hola"}, ev.Payload)
	assert.Equal(t, customerLID.String(), ev.Ref.Chat)
	assert.Equal(t, customerLID.String(), ev.Ref.Sender)
	assert.Equal(t, ts, ev.Ref.Timestamp)
}
