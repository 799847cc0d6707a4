package ksibot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, db DBI) *API {
	t.Helper()
	cfg := DefaultTestConfig(t)
	api, err := newAPI(cfg.API, db)
	require.NoError(t, err)
	return api
}

func apiGet(t *testing.T, api *API, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

func TestAPIHealthCheck(t *testing.T) {
	api := newTestAPI(t, newMemDB())

	w := apiGet(t, api, apiPathHealthCheck)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))
}

func TestAPIGetReminders(t *testing.T) {
	db := newMemDB()
	reminder, err := newReminder(
		time.Now(),
		"author-1",
		"channel-1",
		30,
		ReminderUnitMinutes,
		"check the oven",
		false,
	)
	require.NoError(t, err)
	_, err = db.Create(context.Background(), reminder)
	require.NoError(t, err)

	api := newTestAPI(t, db)

	w := apiGet(t, api, apiPathReminders)
	require.Equal(t, http.StatusOK, w.Code)

	var reminders []Reminder
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reminders))
	require.Len(t, reminders, 1)
	assert.Equal(t, "check the oven", reminders[0].Message)
}

func TestAPIGetGroupReminders(t *testing.T) {
	db := newMemDB()
	reminder, err := newGroupReminder(
		time.Now(),
		"author-1",
		"channel-1",
		1,
		ReminderUnitDays,
		"game night",
	)
	require.NoError(t, err)
	reminder.SignupMessageID = "signup-1"
	_, err = db.Create(context.Background(), reminder)
	require.NoError(t, err)

	api := newTestAPI(t, db)

	w := apiGet(t, api, apiPathGroupReminders)
	require.Equal(t, http.StatusOK, w.Code)

	var reminders []GroupReminder
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reminders))
	require.Len(t, reminders, 1)
	assert.Equal(t, "signup-1", reminders[0].SignupMessageID)
}

func TestAPIGetRecentInteractions(t *testing.T) {
	db := newMemDB()
	_, err := db.Create(
		context.Background(),
		&InteractionLog{
			InteractionID: "interaction-1",
			Command:       DiscordSlashCommandRemind,
			UserID:        "user-1",
		},
	)
	require.NoError(t, err)

	api := newTestAPI(t, db)

	w := apiGet(t, api, apiPathRecentInteractions)
	require.Equal(t, http.StatusOK, w.Code)

	var interactions []InteractionLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &interactions))
	require.Len(t, interactions, 1)
	assert.Equal(t, DiscordSlashCommandRemind, interactions[0].Command)
}

func TestAPIUnknownRoute(t *testing.T) {
	api := newTestAPI(t, newMemDB())

	w := apiGet(t, api, "/api/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
