package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/whatsapp-gateway/internal/middleware"
	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
	"github.com/capitalize-ai/whatsapp-gateway/internal/service"
	"github.com/capitalize-ai/whatsapp-gateway/pkg/logger"
)

const convID = "6f1c2a9e-8b4d-4c3e-9a7f-1d2e3f4a5b6c"

type mockSessions struct{ mock.Mock }

func (m *mockSessions) Initialize(ctx context.Context, tenantID string) (model.ConnectionStatus, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).(model.ConnectionStatus), args.Error(1)
}

func (m *mockSessions) GetStatus(ctx context.Context, tenantID string) model.ConnectionStatus {
	return m.Called(ctx, tenantID).Get(0).(model.ConnectionStatus)
}

func (m *mockSessions) Disconnect(ctx context.Context, tenantID string) error {
	return m.Called(ctx, tenantID).Error(0)
}

func (m *mockSessions) ClearSession(ctx context.Context, tenantID string) error {
	return m.Called(ctx, tenantID).Error(0)
}

type mockCompanies struct{ mock.Mock }

func (m *mockCompanies) Create(ctx context.Context, req *model.CreateCompanyRequest) (*model.Company, error) {
	args := m.Called(ctx, req)
	c, _ := args.Get(0).(*model.Company)
	return c, args.Error(1)
}

func (m *mockCompanies) Get(ctx context.Context, id string) (*model.Company, error) {
	args := m.Called(ctx, id)
	c, _ := args.Get(0).(*model.Company)
	return c, args.Error(1)
}

func (m *mockCompanies) List(ctx context.Context) ([]model.Company, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.Company), args.Error(1)
}

type mockSender struct{ mock.Mock }

func (m *mockSender) Send(ctx context.Context, req service.SendRequest) (service.SendResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(service.SendResult), args.Error(1)
}

type mockConversations struct{ mock.Mock }

func (m *mockConversations) List(ctx context.Context, companyID string) (*model.ListConversationsResponse, error) {
	args := m.Called(ctx, companyID)
	r, _ := args.Get(0).(*model.ListConversationsResponse)
	return r, args.Error(1)
}

func (m *mockConversations) Get(ctx context.Context, id string) (*model.Conversation, error) {
	args := m.Called(ctx, id)
	c, _ := args.Get(0).(*model.Conversation)
	return c, args.Error(1)
}

func (m *mockConversations) Messages(ctx context.Context, id string, limit int) ([]model.Message, error) {
	args := m.Called(ctx, id, limit)
	msgs, _ := args.Get(0).([]model.Message)
	return msgs, args.Error(1)
}

func (m *mockConversations) MarkRead(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockConversations) SetAI(ctx context.Context, id string, enabled *bool) (bool, error) {
	args := m.Called(ctx, id, enabled)
	return args.Bool(0), args.Error(1)
}

func (m *mockConversations) Clear(ctx context.Context, companyID string) error {
	return m.Called(ctx, companyID).Error(0)
}

// asTenant injects claims the way the auth middleware does.
func asTenant(tenantID string, scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), middleware.ClaimsKey, &middleware.Claims{
				TenantID: tenantID,
				Scopes:   scopes,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func whatsappRouter(sessions *mockSessions, companies *mockCompanies) http.Handler {
	h := NewWhatsAppHandler(sessions, companies, logger.NewNop())
	r := chi.NewRouter()
	r.Post("/companies/{companyID}/whatsapp/initialize", h.Initialize)
	r.Get("/companies/{companyID}/whatsapp/status", h.Status)
	r.Post("/companies/{companyID}/whatsapp/clear-session", h.ClearSession)
	r.Post("/companies/{companyID}/whatsapp/validate-number", h.ValidateNumber)
	return r
}

func TestWhatsApp_InitializeReturnsPairingCode(t *testing.T) {
	sessions := &mockSessions{}
	companies := &mockCompanies{}
	companies.On("Get", mock.Anything, "co1").Return(&model.Company{ID: "co1"}, nil)
	sessions.On("Initialize", mock.Anything, "co1").Return(model.ConnectionStatus{
		CompanyID: "co1",
		State:     model.StatePairing,
		QRCode:    "data:image/png;base64,AAA",
	}, nil)

	rec := serve(whatsappRouter(sessions, companies), http.MethodPost, "/companies/co1/whatsapp/initialize", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "PAIRING", body["state"])
	assert.Equal(t, "data:image/png;base64,AAA", body["qr_code"])
}

func TestWhatsApp_InitializePhoneConflict(t *testing.T) {
	sessions := &mockSessions{}
	companies := &mockCompanies{}
	companies.On("Get", mock.Anything, "co2").Return(&model.Company{ID: "co2"}, nil)
	sessions.On("Initialize", mock.Anything, "co2").Return(model.ConnectionStatus{State: model.StateTerminated},
		&model.PhoneConflictError{Phone: "5215500000000", OwnerID: "co1"})

	rec := serve(whatsappRouter(sessions, companies), http.MethodPost, "/companies/co2/whatsapp/initialize", "")

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "phone_conflict", decode(t, rec)["code"])
}

func TestWhatsApp_UnknownCompany(t *testing.T) {
	sessions := &mockSessions{}
	companies := &mockCompanies{}
	companies.On("Get", mock.Anything, "ghost").Return(nil, model.ErrNotFound)

	rec := serve(whatsappRouter(sessions, companies), http.MethodGet, "/companies/ghost/whatsapp/status", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	sessions.AssertNotCalled(t, "GetStatus", mock.Anything, mock.Anything)
}

func TestWhatsApp_InvalidCompanyID(t *testing.T) {
	rec := serve(whatsappRouter(&mockSessions{}, &mockCompanies{}), http.MethodGet, "/companies/bad$id/whatsapp/status", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWhatsApp_ClearSession(t *testing.T) {
	sessions := &mockSessions{}
	companies := &mockCompanies{}
	companies.On("Get", mock.Anything, "co1").Return(&model.Company{ID: "co1"}, nil)
	sessions.On("ClearSession", mock.Anything, "co1").Return(nil)

	rec := serve(whatsappRouter(sessions, companies), http.MethodPost, "/companies/co1/whatsapp/clear-session", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	sessions.AssertExpectations(t)
}

func TestWhatsApp_ValidateNumber(t *testing.T) {
	r := whatsappRouter(&mockSessions{}, &mockCompanies{})

	rec := serve(r, http.MethodPost, "/companies/co1/whatsapp/validate-number", `{"phone":"+52 1 55 1234 5678"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, "5215512345678", body["normalized"])

	rec = serve(r, http.MethodPost, "/companies/co1/whatsapp/validate-number", `{"phone":"123"}`)
	assert.Equal(t, false, decode(t, rec)["valid"])
}

func messageRouter(sender *mockSender, convs *mockConversations, mw ...func(http.Handler) http.Handler) http.Handler {
	h := NewMessageHandler(sender, convs, logger.NewNop())
	r := chi.NewRouter()
	r.Use(mw...)
	r.Post("/companies/{companyID}/whatsapp/send", h.Send)
	r.Get("/conversations/{id}/messages", h.List)
	return r
}

func TestMessages_Send(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, service.SendRequest{
		TenantID:  "co1",
		To:        "5215512345678",
		Text:      "hola",
		MessageID: "m-1",
	}).Return(service.SendResult{ConversationID: convID, MessageID: "m-1"}, nil)

	rec := serve(messageRouter(sender, &mockConversations{}), http.MethodPost, "/companies/co1/whatsapp/send",
		`{"to":"5215512345678","message":"hola","message_id":"m-1"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, convID, body["conversation_id"])
	assert.Equal(t, "m-1", body["message_id"])
}

func TestMessages_SendValidation(t *testing.T) {
	sender := &mockSender{}
	r := messageRouter(sender, &mockConversations{})

	rec := serve(r, http.MethodPost, "/companies/co1/whatsapp/send", `{"to":"+()","message":"hola"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(r, http.MethodPost, "/companies/co1/whatsapp/send", `{"to":"5215512345678","message":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(r, http.MethodPost, "/companies/co1/whatsapp/send", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestMessages_SendNotConnected(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, mock.Anything).Return(service.SendResult{}, model.ErrNotConnected)

	rec := serve(messageRouter(sender, &mockConversations{}), http.MethodPost, "/companies/co1/whatsapp/send",
		`{"to":"5215512345678","message":"hola"}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMessages_SendInternalError(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, mock.Anything).Return(service.SendResult{}, errors.New("db down"))

	rec := serve(messageRouter(sender, &mockConversations{}), http.MethodPost, "/companies/co1/whatsapp/send",
		`{"to":"5215512345678","message":"hola"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decode(t, rec)["error"])
}

func TestMessages_ListHidesOtherTenants(t *testing.T) {
	convs := &mockConversations{}
	convs.On("Get", mock.Anything, convID).Return(&model.Conversation{ID: convID, CompanyID: "co1"}, nil)

	rec := serve(messageRouter(&mockSender{}, convs, asTenant("co2")), http.MethodGet, "/conversations/"+convID+"/messages", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	convs.AssertNotCalled(t, "Messages", mock.Anything, mock.Anything, mock.Anything)
}

func TestMessages_ListWithLimit(t *testing.T) {
	convs := &mockConversations{}
	convs.On("Get", mock.Anything, convID).Return(&model.Conversation{ID: convID, CompanyID: "co1"}, nil)
	convs.On("Messages", mock.Anything, convID, 10).Return([]model.Message{{MessageID: "a"}, {MessageID: "b"}}, nil)

	rec := serve(messageRouter(&mockSender{}, convs, asTenant("co1")), http.MethodGet, "/conversations/"+convID+"/messages?limit=10", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["total"])
}

func conversationRouter(convs *mockConversations, mw ...func(http.Handler) http.Handler) http.Handler {
	h := NewConversationHandler(convs, logger.NewNop())
	r := chi.NewRouter()
	r.Use(mw...)
	r.Get("/companies/{companyID}/conversations", h.List)
	r.Delete("/companies/{companyID}/conversations", h.Clear)
	r.Get("/conversations/{id}", h.Get)
	r.Post("/conversations/{id}/read", h.MarkRead)
	r.Post("/conversations/{id}/ai", h.SetAI)
	return r
}

func TestConversations_List(t *testing.T) {
	convs := &mockConversations{}
	convs.On("List", mock.Anything, "co1").Return(&model.ListConversationsResponse{
		Conversations: []model.Conversation{{ID: convID, CompanyID: "co1"}},
		Total:         1,
	}, nil)

	rec := serve(conversationRouter(convs), http.MethodGet, "/companies/co1/conversations", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["total"])
}

func TestConversations_SetAIToggleAndExplicit(t *testing.T) {
	convs := &mockConversations{}
	convs.On("Get", mock.Anything, convID).Return(&model.Conversation{ID: convID, CompanyID: "co1"}, nil)
	convs.On("SetAI", mock.Anything, convID, (*bool)(nil)).Return(false, nil).Once()
	convs.On("SetAI", mock.Anything, convID, mock.MatchedBy(func(b *bool) bool { return b != nil && *b })).Return(true, nil).Once()

	r := conversationRouter(convs)

	rec := serve(r, http.MethodPost, "/conversations/"+convID+"/ai", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["ai_enabled"])

	rec = serve(r, http.MethodPost, "/conversations/"+convID+"/ai", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["ai_enabled"])

	convs.AssertExpectations(t)
}

func TestConversations_GetUnknown(t *testing.T) {
	convs := &mockConversations{}
	convs.On("Get", mock.Anything, convID).Return(nil, model.ErrNotFound)

	rec := serve(conversationRouter(convs), http.MethodGet, "/conversations/"+convID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(conversationRouter(convs), http.MethodGet, "/conversations/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversations_AdminSeesEveryTenant(t *testing.T) {
	convs := &mockConversations{}
	convs.On("Get", mock.Anything, convID).Return(&model.Conversation{ID: convID, CompanyID: "co1"}, nil)
	convs.On("MarkRead", mock.Anything, convID).Return(nil)

	rec := serve(conversationRouter(convs, asTenant("ops", middleware.ScopeAdmin)), http.MethodPost, "/conversations/"+convID+"/read", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	convs.AssertExpectations(t)
}

func TestConversations_Clear(t *testing.T) {
	convs := &mockConversations{}
	convs.On("Clear", mock.Anything, "co1").Return(nil)

	rec := serve(conversationRouter(convs), http.MethodDelete, "/companies/co1/conversations", "")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	convs.AssertExpectations(t)
}

func TestCompanies_Create(t *testing.T) {
	companies := &mockCompanies{}
	companies.On("Create", mock.Anything, &model.CreateCompanyRequest{Name: "Acme", Description: "Tacos"}).
		Return(&model.Company{ID: "acme", Name: "Acme"}, nil)
	companies.On("Create", mock.Anything, &model.CreateCompanyRequest{}).
		Return(nil, model.Validationf("name is required"))

	h := NewCompanyHandler(companies, logger.NewNop())
	r := chi.NewRouter()
	r.Post("/companies", h.Create)

	rec := serve(r, http.MethodPost, "/companies", `{"name":"Acme","description":"Tacos"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "acme", decode(t, rec)["id"])

	rec = serve(r, http.MethodPost, "/companies", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealth_Ready(t *testing.T) {
	ok := NewHealthHandler(map[string]Pinger{"database": pinger{}, "nats": nil})
	rec := serve(http.HandlerFunc(ok.Ready), http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	failing := NewHealthHandler(map[string]Pinger{"database": pinger{}, "redis": pinger{err: errors.New("refused")}})
	rec = serve(http.HandlerFunc(failing.Ready), http.MethodGet, "/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "redis: refused", decode(t, rec)["reason"])

	rec = serve(http.HandlerFunc(failing.Health), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
