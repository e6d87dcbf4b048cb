package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/logger"
)

type fixedStatus struct{}

func (fixedStatus) GetStatus(_ context.Context, tenantID string) model.ConnectionStatus {
	return model.ConnectionStatus{CompanyID: tenantID, State: model.StateConnected, Connected: true}
}

func startHub(t *testing.T, authorize Authorizer) (*Hub, string) {
	t.Helper()
	hub := NewHub(fixedStatus{}, authorize, logger.NewNop())
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(v))
}

func TestHub_PingPong(t *testing.T) {
	_, url := startHub(t, nil)
	ws := dial(t, url)

	require.NoError(t, ws.WriteJSON(Frame{Type: "ping"}))
	var r reply
	readJSON(t, ws, &r)
	assert.Equal(t, "pong", r.Type)
}

func TestHub_SubscribeReceivesTenantEvents(t *testing.T) {
	hub, url := startHub(t, nil)
	a := dial(t, url)
	b := dial(t, url)

	require.NoError(t, a.WriteJSON(Frame{Type: "subscribe", CompanyID: "co1"}))
	var r reply
	readJSON(t, a, &r)
	require.Equal(t, "subscribed", r.Type)

	require.NoError(t, b.WriteJSON(Frame{Type: "subscribe", CompanyID: "co2"}))
	readJSON(t, b, &r)
	require.Equal(t, "subscribed", r.Type)

	hub.Publish(model.Event{TenantID: "co1", Kind: model.EventNewMessage, Data: map[string]string{"content": "hola"}})
	hub.Publish(model.Event{TenantID: "co2", Kind: model.EventError, Data: model.ErrorEvent{Code: "x"}})

	var got map[string]any
	readJSON(t, a, &got)
	assert.Equal(t, "new_message", got["type"])
	assert.Equal(t, "co1", got["company_id"])

	readJSON(t, b, &got)
	assert.Equal(t, "whatsapp_error", got["type"], "co2 client only sees co2 events")
}

func TestHub_QuerySubscribe(t *testing.T) {
	hub, url := startHub(t, nil)
	dial(t, url+"?company_id=co1")

	require.Eventually(t, func() bool { return hub.Subscribers("co1") == 1 }, time.Second, 5*time.Millisecond)
}

func TestHub_StatusRequest(t *testing.T) {
	_, url := startHub(t, nil)
	ws := dial(t, url)

	require.NoError(t, ws.WriteJSON(Frame{Type: "status", CompanyID: "co1"}))
	var ev struct {
		Type string                 `json:"type"`
		Data model.ConnectionStatus `json:"data"`
	}
	readJSON(t, ws, &ev)
	assert.Equal(t, "whatsapp_status", ev.Type)
	assert.True(t, ev.Data.Connected)
	assert.Equal(t, "co1", ev.Data.CompanyID)
}

func TestHub_RejectsUnauthorizedSubscription(t *testing.T) {
	hub, url := startHub(t, func(r *http.Request, tenantID string) bool {
		return r.Header.Get("X-Tenant") == tenantID
	})

	ws, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Tenant": []string{"co1"}})
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(Frame{Type: "subscribe", CompanyID: "co2"}))
	var r reply
	readJSON(t, ws, &r)
	assert.Equal(t, "error", r.Type)
	assert.Zero(t, hub.Subscribers("co2"))

	_, resp, err := websocket.DefaultDialer.Dial(url+"?company_id=co2", http.Header{"X-Tenant": []string{"co1"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHub_UnknownAndInvalidFrames(t *testing.T) {
	_, url := startHub(t, nil)
	ws := dial(t, url)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var r reply
	readJSON(t, ws, &r)
	assert.Equal(t, "error", r.Type)

	require.NoError(t, ws.WriteJSON(Frame{Type: "dance"}))
	readJSON(t, ws, &r)
	assert.Equal(t, "error", r.Type)
	assert.Contains(t, r.Message, "dance")
}

func TestHub_DisconnectLeavesRooms(t *testing.T) {
	hub, url := startHub(t, nil)
	ws := dial(t, url+"?company_id=co1")
	require.Eventually(t, func() bool { return hub.Subscribers("co1") == 1 }, time.Second, 5*time.Millisecond)

	ws.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, hub.Subscribers("co1"))
}

func TestHub_EventJSONShape(t *testing.T) {
	ev := model.Event{TenantID: "co1", Kind: model.EventStatus, Data: model.ConnectionStatus{CompanyID: "co1"}}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"whatsapp_status"`)
	assert.Contains(t, string(raw), `"company_id":"co1"`)
}
