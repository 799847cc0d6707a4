package ksibot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBot(t *testing.T) (*KSIBot, *memDB, *mockDiscordSession) {
	t.Helper()
	cfg := DefaultTestConfig(t)
	bot, err := New(cfg)
	require.NoError(t, err)

	db := newMemDB()
	session := newMockDiscordSession()
	bot.db = db
	bot.writeDB = db
	bot.discord.session = session
	bot.delivery = newDelivery(session, testLogger(t))
	bot.scheduler = newScheduler(db, bot.delivery, testLogger(t))
	return bot, db, session
}

func commandInteraction(
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        "interaction-1",
			AppID:     "test-application-id",
			Type:      discordgo.InteractionApplicationCommand,
			ChannelID: "channel-1",
			GuildID:   "test-guild-id",
			Member: &discordgo.Member{
				User: &discordgo.User{ID: "user-1", Username: "alice"},
			},
			Data: discordgo.ApplicationCommandInteractionData{
				ID:   "command-1",
				Name: name,
				Options: append(
					[]*discordgo.ApplicationCommandInteractionDataOption{},
					options...,
				),
			},
		},
	}
}

func intOption(name string, value float64) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionInteger,
		Value: value,
	}
}

func stringOption(name string, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func boolOption(name string, value bool) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionBoolean,
		Value: value,
	}
}

func handlerFor(
	t *testing.T,
	session *mockDiscordSession,
	i *discordgo.InteractionCreate,
) GatewayHandler {
	t.Helper()
	return GatewayHandler{
		session:     session,
		interaction: i,
		logger:      testLogger(t),
	}
}

func remindInteraction(text string) *discordgo.InteractionCreate {
	return commandInteraction(
		DiscordSlashCommandRemind,
		intOption(remindCommandValueOption, 10),
		stringOption(remindCommandUnitOption, "minutes"),
		stringOption(remindCommandTextOption, text),
	)
}

func lastEditContent(t *testing.T, session *mockDiscordSession) string {
	t.Helper()
	require.NotEmpty(t, session.edits)
	edit := session.edits[len(session.edits)-1]
	require.NotNil(t, edit.Content)
	return *edit.Content
}

func TestRemindCommand(t *testing.T) {
	bot, db, session := newTestBot(t)
	i := remindInteraction("water the plants")

	bot.handleInteraction(context.Background(), handlerFor(t, session, i))

	require.Len(t, session.responses, 1)
	assert.Equal(
		t,
		discordgo.InteractionResponseDeferredChannelMessageWithSource,
		session.responses[0].Type,
	)
	assert.Equal(
		t,
		discordgo.MessageFlagsEphemeral,
		session.responses[0].Data.Flags,
	)

	reminders, err := db.PendingReminders(context.Background())
	require.NoError(t, err)
	require.Len(t, reminders, 1)
	assert.Equal(t, "user-1", reminders[0].AuthorID)
	assert.Equal(t, "channel-1", reminders[0].ChannelID)
	assert.Equal(t, "water the plants", reminders[0].Message)
	assert.False(t, reminders[0].SendDirectMessage)

	assert.Contains(t, lastEditContent(t, session), "Reminder set for")
}

func TestRemindCommandDirectMessageFlag(t *testing.T) {
	bot, db, session := newTestBot(t)
	i := commandInteraction(
		DiscordSlashCommandRemind,
		intOption(remindCommandValueOption, 1),
		stringOption(remindCommandUnitOption, "days"),
		stringOption(remindCommandTextOption, "renew the domain"),
		boolOption(remindCommandDirectMessageOption, true),
	)

	bot.handleInteraction(context.Background(), handlerFor(t, session, i))

	reminders, err := db.PendingReminders(context.Background())
	require.NoError(t, err)
	require.Len(t, reminders, 1)
	assert.True(t, reminders[0].SendDirectMessage)
}

func TestRemindCommandRejectsLongText(t *testing.T) {
	bot, db, session := newTestBot(t)
	i := remindInteraction(strings.Repeat("x", 101))

	bot.handleInteraction(context.Background(), handlerFor(t, session, i))

	reminders, err := db.PendingReminders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reminders)
	assert.Contains(t, lastEditContent(t, session), "at most 100 characters")
}

func TestRemindCommandRejectsCodeBlocks(t *testing.T) {
	bot, db, session := newTestBot(t)
	i := remindInteraction("remember ```this```")

	bot.handleInteraction(context.Background(), handlerFor(t, session, i))

	reminders, err := db.PendingReminders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reminders)
	assert.Contains(t, lastEditContent(t, session), "code blocks")
}

func TestCommandCooldown(t *testing.T) {
	bot, db, session := newTestBot(t)

	bot.handleInteraction(
		context.Background(),
		handlerFor(t, session, remindInteraction("first")),
	)
	bot.handleInteraction(
		context.Background(),
		handlerFor(t, session, remindInteraction("second")),
	)

	reminders, err := db.PendingReminders(context.Background())
	require.NoError(t, err)
	assert.Len(t, reminders, 1)

	require.Len(t, session.responses, 2)
	rejection := session.responses[1]
	assert.Equal(
		t,
		discordgo.InteractionResponseChannelMessageWithSource,
		rejection.Type,
	)
	assert.Contains(t, rejection.Data.Content, "cooldown")
}

func TestGroupReminderCommand(t *testing.T) {
	bot, db, session := newTestBot(t)
	i := commandInteraction(
		DiscordSlashCommandGroupReminder,
		intOption(remindCommandValueOption, 2),
		stringOption(remindCommandUnitOption, "hours"),
		stringOption(remindCommandTextOption, "game night"),
	)

	bot.handleInteraction(context.Background(), handlerFor(t, session, i))

	sent := session.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "channel-1", sent[0].ChannelID)
	assert.Contains(t, sent[0].Content, "React to this message")

	require.Len(t, session.addedReaction, 1)
	assert.Contains(t, session.addedReaction[0], signupReactionEmoji)

	reminders, err := db.PendingGroupReminders(context.Background())
	require.NoError(t, err)
	require.Len(t, reminders, 1)
	assert.NotEmpty(t, reminders[0].SignupMessageID)

	assert.Equal(t, "Reminder set for 2 hours", lastEditContent(t, session))
}

func TestInfoCommands(t *testing.T) {
	for _, tc := range []struct {
		command  string
		expected string
	}{
		{DiscordSlashCommandInformator, informatorReply},
		{DiscordSlashCommandBaca, bacaReply},
		{DiscordSlashCommandMordor, mordorReply},
	} {
		t.Run(tc.command, func(t *testing.T) {
			bot, _, session := newTestBot(t)
			i := commandInteraction(tc.command)

			bot.handleInteraction(context.Background(), handlerFor(t, session, i))

			require.Len(t, session.responses, 1)
			assert.Equal(
				t,
				discordgo.MessageFlagsEphemeral,
				session.responses[0].Data.Flags,
			)
			assert.Equal(t, tc.expected, lastEditContent(t, session))
		})
	}
}

func TestInfoCommandPublicFlag(t *testing.T) {
	bot, _, session := newTestBot(t)
	i := commandInteraction(
		DiscordSlashCommandInformator,
		boolOption(infoCommandPublicOption, true),
	)

	bot.handleInteraction(context.Background(), handlerFor(t, session, i))

	require.Len(t, session.responses, 1)
	assert.Zero(t, session.responses[0].Data.Flags)
	assert.Equal(t, informatorReply, lastEditContent(t, session))
}

func TestPingCommand(t *testing.T) {
	ts := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusTeapot)
			},
		),
	)
	defer ts.Close()

	bot, _, session := newTestBot(t)
	i := commandInteraction(
		DiscordSlashCommandPing,
		stringOption(pingCommandURLOption, ts.URL),
	)

	bot.handleInteraction(context.Background(), handlerFor(t, session, i))

	assert.Equal(
		t,
		"Provided URL returned status 418",
		lastEditContent(t, session),
	)
}

func TestPingCommandUnreachableURL(t *testing.T) {
	bot, _, session := newTestBot(t)
	i := commandInteraction(
		DiscordSlashCommandPing,
		stringOption(pingCommandURLOption, "http://127.0.0.1:1"),
	)

	bot.handleInteraction(context.Background(), handlerFor(t, session, i))

	assert.Contains(t, lastEditContent(t, session), "did not respond")
}

func TestInteractionsAreRecorded(t *testing.T) {
	bot, db, session := newTestBot(t)

	bot.handleInteraction(
		context.Background(),
		handlerFor(t, session, remindInteraction("hello")),
	)

	interactions, err := db.RecentInteractions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, interactions, 1)
	assert.Equal(t, DiscordSlashCommandRemind, interactions[0].Command)
	assert.Equal(t, "user-1", interactions[0].UserID)
}

func TestBotInteractionsIgnored(t *testing.T) {
	bot, db, session := newTestBot(t)
	i := remindInteraction("hello")
	i.Member.User.Bot = true

	bot.handleInteraction(context.Background(), handlerFor(t, session, i))

	assert.Empty(t, session.responses)
	reminders, err := db.PendingReminders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reminders)
}

func TestHandleDiscordMessageResponds(t *testing.T) {
	bot, _, session := newTestBot(t)

	bot.handleDiscordMessage(
		context.Background(),
		&discordgo.MessageCreate{
			Message: &discordgo.Message{
				ChannelID: "channel-1",
				Content:   "co słychać, bocie?",
				Author:    &discordgo.User{ID: "user-1", Username: "alice"},
			},
		},
	)

	sent := session.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "co słychać, alice", sent[0].Content)
}

func TestHandleDiscordMessageIgnoresUnmatched(t *testing.T) {
	bot, _, session := newTestBot(t)

	bot.handleDiscordMessage(
		context.Background(),
		&discordgo.MessageCreate{
			Message: &discordgo.Message{
				ChannelID: "channel-1",
				Content:   "nothing to see here",
				Author:    &discordgo.User{ID: "user-1"},
			},
		},
	)

	assert.Empty(t, session.sent())
}
