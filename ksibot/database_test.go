package ksibot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) DBI {
	t.Helper()
	cfg := DefaultTestConfig(t)
	gdb, err := CreateDB(context.Background(), cfg)
	require.NoError(t, err)
	return NewDatabase(gdb, testLogger(t), false)
}

func TestDueRemindersCutoff(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, remindAt := range []time.Time{
		now.Add(-time.Hour),
		now,
		now.Add(time.Minute),
	} {
		reminder, err := newReminder(
			now.Add(-24*time.Hour),
			"author-1",
			"channel-1",
			1,
			ReminderUnitMinutes,
			"hello",
			false,
		)
		require.NoError(t, err)
		reminder.RemindAt = remindAt.UnixMilli()
		_, err = db.Create(ctx, reminder)
		require.NoError(t, err)
	}

	due, err := db.DueReminders(ctx, now)
	require.NoError(t, err)
	assert.Len(t, due, 2)

	// a tick slightly past the boundary must not pick up next
	// minute's reminders
	due, err = db.DueReminders(ctx, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.Len(t, due, 2)

	due, err = db.DueReminders(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, due, 3)
}

func TestDeleteRemindersByID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	reminder, err := newReminder(
		time.Now(), "author-1", "channel-1", 5, ReminderUnitMinutes, "x", false,
	)
	require.NoError(t, err)
	_, err = db.Create(ctx, reminder)
	require.NoError(t, err)

	require.NoError(t, db.DeleteRemindersByID(ctx, []uint{reminder.ID}))

	pending, err := db.PendingReminders(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// deleting already-deleted (or unknown) ids is a no-op
	assert.NoError(t, db.DeleteRemindersByID(ctx, []uint{reminder.ID, 9999}))
	assert.NoError(t, db.DeleteRemindersByID(ctx, nil))
}

func TestGroupReminderRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	reminder, err := newGroupReminder(
		now, "author-1", "channel-1", 30, ReminderUnitMinutes, "standup",
	)
	require.NoError(t, err)
	reminder.SignupMessageID = "signup-1"
	_, err = db.Create(ctx, reminder)
	require.NoError(t, err)

	due, err := db.DueGroupReminders(ctx, now.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "signup-1", due[0].SignupMessageID)
	assert.Equal(t, "standup", due[0].Message)

	require.NoError(t, db.DeleteGroupRemindersByID(ctx, []uint{due[0].ID}))
	pending, err := db.PendingGroupReminders(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPendingRemindersOrdering(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	later, err := newReminder(
		now, "author-1", "channel-1", 2, ReminderUnitHours, "second", false,
	)
	require.NoError(t, err)
	_, err = db.Create(ctx, later)
	require.NoError(t, err)

	sooner, err := newReminder(
		now, "author-1", "channel-1", 1, ReminderUnitHours, "first", false,
	)
	require.NoError(t, err)
	_, err = db.Create(ctx, sooner)
	require.NoError(t, err)

	pending, err := db.PendingReminders(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "first", pending[0].Message)
	assert.Equal(t, "second", pending[1].Message)
}

func TestRecentInteractionsLimit(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := db.Create(
			ctx, &InteractionLog{
				InteractionID: generateTestID(t, i),
				Command:       DiscordSlashCommandRemind,
				UserID:        "user-1",
			},
		)
		require.NoError(t, err)
	}

	interactions, err := db.RecentInteractions(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, interactions, 3)
}

func generateTestID(t *testing.T, n int) string {
	t.Helper()
	id, err := generateRandomHexString(8)
	require.NoError(t, err)
	return id + string(rune('a'+n))
}
