package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/capitalize-ai/messaging-core/internal/aiturn"
	"github.com/capitalize-ai/messaging-core/internal/dispatcher"
	"github.com/capitalize-ai/messaging-core/internal/llm"
	"github.com/capitalize-ai/messaging-core/internal/middleware"
	"github.com/capitalize-ai/messaging-core/internal/mocks"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/readstate"
	"github.com/capitalize-ai/messaging-core/internal/service"
	"github.com/capitalize-ai/messaging-core/internal/source"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

const testSecret = "test-secret"

type testAPI struct {
	handler http.Handler
	src     *source.Memory
}

func newTestAPI(t *testing.T, client llm.Client, checks ...Check) *testAPI {
	t.Helper()
	log := logger.NewNop()
	src := source.NewMemory()
	tracker := readstate.NewTracker(src, log)
	convs := service.NewConversationService(src, log)
	registry := aiturn.NewRegistry(client, nil, aiturn.Config{}, log)

	return &testAPI{
		src: src,
		handler: NewRouter(RouterConfig{
			Health:            NewHealthHandler(checks...),
			Conversations:     NewConversationHandler(convs, log),
			Messages:          NewMessageHandler(dispatcher.New(src, log), tracker, convs, log),
			Stream:            NewStreamHandler(src, tracker, convs, time.Second, log),
			Assistant:         NewAssistantHandler(registry, log),
			JWTSecret:         testSecret,
			RateLimitRequests: 1000,
			RateLimitWindow:   time.Minute,
			Logger:            log,
		}),
	}
}

func token(t *testing.T, subject string) string {
	t.Helper()
	claims := middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Name: strings.ToUpper(subject),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (a *testAPI) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = strings.NewReader(string(data))
	} else {
		payload = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, payload)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	req := require.New(t)

	api := newTestAPI(t, nil, Check{Name: "source", Fn: func(context.Context) error { return nil }})
	req.Equal(http.StatusOK, api.do(t, http.MethodGet, "/health", "", nil).Code)
	req.Equal(http.StatusOK, api.do(t, http.MethodGet, "/ready", "", nil).Code)

	api = newTestAPI(t, nil, Check{Name: "nats", Fn: func(context.Context) error { return errors.New("disconnected") }})
	rec := api.do(t, http.MethodGet, "/ready", "", nil)
	req.Equal(http.StatusServiceUnavailable, rec.Code)
	req.Contains(rec.Body.String(), "nats: disconnected")
}

func TestAuthRequired(t *testing.T) {
	req := require.New(t)
	api := newTestAPI(t, nil)

	rec := api.do(t, http.MethodGet, "/api/v1/conversations", "", nil)
	req.Equal(http.StatusUnauthorized, rec.Code)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
	r.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	api.handler.ServeHTTP(rec, r)
	req.Equal(http.StatusUnauthorized, rec.Code)
}

func TestConversationFlow(t *testing.T) {
	req := require.New(t)
	api := newTestAPI(t, nil)

	rec := api.do(t, http.MethodPost, "/api/v1/conversations", "u1", model.CreateConversationRequest{
		Kind:         model.ConversationDirect,
		Participants: []string{"u2"},
	})
	req.Equal(http.StatusCreated, rec.Code, rec.Body.String())
	conv := decode[model.Conversation](t, rec)
	base := "/api/v1/conversations/" + conv.ID

	rec = api.do(t, http.MethodPost, base+"/messages", "u1", model.SendMessageRequest{Content: "hello"})
	req.Equal(http.StatusCreated, rec.Code, rec.Body.String())
	sent := decode[model.SendMessageResponse](t, rec)
	req.True(sent.PreviewUpdated)
	req.Equal("U1", sent.Message.SenderName)

	rec = api.do(t, http.MethodGet, base, "u2", nil)
	req.Equal(http.StatusOK, rec.Code)
	got := decode[model.Conversation](t, rec)
	req.Equal("hello", got.LastMessage.Content)
	req.Equal("u1", got.LastMessage.SenderID)

	rec = api.do(t, http.MethodPost, base+"/read", "u2", nil)
	req.Equal(http.StatusOK, rec.Code)
	res := decode[readstate.Result](t, rec)
	req.True(res.Changed)
	req.Equal(sent.Message.ID, res.Receipt.LastReadMessageID)

	rec = api.do(t, http.MethodPost, base+"/read", "u2", nil)
	req.False(decode[readstate.Result](t, rec).Changed)

	rec = api.do(t, http.MethodGet, "/api/v1/conversations", "u2", nil)
	req.Equal(1, decode[model.ListConversationsResponse](t, rec).Total)

	// outsiders see nothing
	req.Equal(http.StatusNotFound, api.do(t, http.MethodGet, base, "u3", nil).Code)
	req.Equal(http.StatusNotFound, api.do(t, http.MethodPost, base+"/read", "u3", nil).Code)
	req.Equal(http.StatusNotFound, api.do(t, http.MethodPost, base+"/messages", "u3", model.SendMessageRequest{Content: "hi"}).Code)
}

func TestSendValidation(t *testing.T) {
	req := require.New(t)
	api := newTestAPI(t, nil)

	rec := api.do(t, http.MethodPost, "/api/v1/conversations/c1/messages", "u1", model.SendMessageRequest{Content: "   "})
	req.Equal(http.StatusBadRequest, rec.Code)
	req.Equal("validation_error", decode[model.ErrorEvent](t, rec).Code)

	rec = api.do(t, http.MethodPost, "/api/v1/conversations/bad.id/messages", "u1", model.SendMessageRequest{Content: "hi"})
	req.Equal(http.StatusBadRequest, rec.Code)
}

func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}

func TestStream(t *testing.T) {
	req := require.New(t)
	api := newTestAPI(t, nil)
	ctx := context.Background()

	req.NoError(api.src.Set(ctx, source.ConversationPath("c1"), model.Conversation{
		ID: "c1", Kind: model.ConversationDirect, Participants: []string{"u1", "u2"}, Active: true,
	}))
	req.NoError(api.src.Set(ctx, source.MessagePath("c1", "m1"), model.Message{
		ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "first", Kind: model.KindText, Timestamp: 10,
	}))

	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodGet, srv.URL+"/api/v1/conversations/c1/stream", nil)
	req.NoError(err)
	httpReq.Header.Set("Authorization", "Bearer "+token(t, "u1"))

	resp, err := http.DefaultClient.Do(httpReq)
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("text/event-stream", resp.Header.Get("Content-Type"))

	body := bufio.NewReader(resp.Body)
	event, data := readEvent(t, body)
	req.Equal("snapshot", event)
	var snap model.SnapshotEvent
	req.NoError(json.Unmarshal([]byte(data), &snap))
	req.Len(snap.Messages, 1)
	req.Equal(1, snap.Unread)

	req.NoError(api.src.Set(ctx, source.MessagePath("c1", "m0"), model.Message{
		ID: "m0", ConversationID: "c1", SenderID: "u2", Content: "earlier", Kind: model.KindText, Timestamp: 5,
	}))

	// the read mark may land before or after the new message, so skip
	// snapshots until the new one shows up
	for {
		event, data = readEvent(t, body)
		req.Equal("snapshot", event)
		req.NoError(json.Unmarshal([]byte(data), &snap))
		if len(snap.Messages) == 2 {
			break
		}
	}
	req.Equal("m0", snap.Messages[0].ID)
	req.Equal("m1", snap.Messages[1].ID)
}

func TestAssistant(t *testing.T) {
	t.Run("should report a missing endpoint", func(t *testing.T) {
		req := require.New(t)
		api := newTestAPI(t, nil)

		rec := api.do(t, http.MethodGet, "/api/v1/assistant/status", "u1", nil)
		req.Equal(http.StatusOK, rec.Code)
		req.False(decode[map[string]bool](t, rec)["configured"])

		rec = api.do(t, http.MethodPost, "/api/v1/assistant/s1/messages", "u1", model.AssistantRequest{Content: "hi"})
		req.Equal(http.StatusServiceUnavailable, rec.Code)
		req.Equal("not_configured", decode[model.ErrorEvent](t, rec).Code)
	})

	t.Run("should stream the request lifecycle", func(t *testing.T) {
		req := require.New(t)
		client := mocks.NewMockClient(gomock.NewController(t))
		client.EXPECT().Name().Return("anthropic").AnyTimes()
		client.EXPECT().Complete(gomock.Any(), gomock.Any()).
			Return(&llm.CompletionResponse{Content: "Recursion is self reference."}, nil)

		api := newTestAPI(t, client)
		rec := api.do(t, http.MethodPost, "/api/v1/assistant/s1/messages", "u1", model.AssistantRequest{
			Content: "explain recursion",
			Role:    "student",
		})
		req.Equal(http.StatusOK, rec.Code)

		body := bufio.NewReader(strings.NewReader(rec.Body.String()))
		var events []string
		for i := 0; i < 3; i++ {
			event, _ := readEvent(t, body)
			events = append(events, event)
		}
		req.Equal([]string{"typing_start", "response", "typing_end"}, events)

		rec = api.do(t, http.MethodGet, "/api/v1/assistant/s1/history", "u1", nil)
		req.Equal(http.StatusOK, rec.Code)
		hist := decode[model.AssistantHistoryResponse](t, rec)
		req.True(hist.Configured)
		req.Len(hist.Turns, 2)
		req.Equal(model.RoleUser, hist.Turns[0].Role)
	})
}
