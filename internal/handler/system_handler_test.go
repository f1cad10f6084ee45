package handler_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/rally-go-api/internal/handler"
	"github.com/noah-isme/rally-go-api/internal/middleware"
	"github.com/noah-isme/rally-go-api/pkg/protocol"
)

type recordingSystemBroadcaster struct {
	messages []string
}

func (r *recordingSystemBroadcaster) Broadcast(message string) protocol.SystemEvent {
	r.messages = append(r.messages, message)
	return protocol.SystemEvent{Message: message, SentAt: time.Now().UTC()}
}

func newSystemApp(broadcaster *recordingSystemBroadcaster, role string) *fiber.App {
	app := fiber.New()
	group := app.Group("/api/system", asUser("ops", role), middleware.RequireRole("admin"))
	handler.NewSystemHandler(broadcaster, validator.New(), zerolog.Nop()).Register(group)
	return app
}

func postBroadcast(t *testing.T, app *fiber.App, body string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/system/broadcast", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestSystemHandler_Broadcast(t *testing.T) {
	broadcaster := &recordingSystemBroadcaster{}
	app := newSystemApp(broadcaster, "admin")

	require.Equal(t, fiber.StatusOK, postBroadcast(t, app, `{"message":"Courts close at 22:00"}`))
	require.Equal(t, []string{"Courts close at 22:00"}, broadcaster.messages)

	require.Equal(t, fiber.StatusBadRequest, postBroadcast(t, app, `{"message":""}`))
	require.Len(t, broadcaster.messages, 1)
}

func TestSystemHandler_BroadcastNeedsAdmin(t *testing.T) {
	broadcaster := &recordingSystemBroadcaster{}
	app := newSystemApp(broadcaster, "player")

	require.Equal(t, fiber.StatusForbidden, postBroadcast(t, app, `{"message":"hello"}`))
	require.Empty(t, broadcaster.messages)
}
