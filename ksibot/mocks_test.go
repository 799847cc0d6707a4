package ksibot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

func testLogger(t interface{ Name() string }) *slog.Logger {
	lvl := &slog.LevelVar{}
	lvl.Set(slog.LevelDebug)
	return slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     lvl,
				AddSource: true,
			},
		),
	).With("test", t.Name())
}

type sentMessage struct {
	ChannelID string
	Content   string
}

// mockDiscordSession is a mock implementation of the
// DiscordSessionHandler interface. It records outbound operations and
// can be primed with canned responses and injected errors.
type mockDiscordSession struct {
	mu     sync.Mutex
	logger *slog.Logger

	sentMessages  []sentMessage
	addedReaction []string

	// channels/messages known to the mock, keyed by ID
	channels map[string]*discordgo.Channel
	messages map[string]*discordgo.Message

	// reactionUsers is keyed by emoji API name
	reactionUsers map[string][]*discordgo.User

	dmChannelID string

	sendErrs          map[string]error
	sendPanics        map[string]bool
	userChannelErr    error
	channelErr        error
	channelMessageErr error
	reactionsErr      error

	responses []*discordgo.InteractionResponse
	edits     []*discordgo.WebhookEdit
}

func newMockDiscordSession() *mockDiscordSession {
	lvl := &slog.LevelVar{}
	lvl.Set(slog.LevelDebug)
	return &mockDiscordSession{
		logger: slog.New(
			tint.NewHandler(
				os.Stdout, &tint.Options{
					Level:     lvl,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord_session_handler"),
		channels:      map[string]*discordgo.Channel{},
		messages:      map[string]*discordgo.Message{},
		reactionUsers: map[string][]*discordgo.User{},
		sendErrs:      map[string]error{},
		sendPanics:    map[string]bool{},
		dmChannelID:   "dm-channel",
	}
}

func (d *mockDiscordSession) sent() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	rv := make([]sentMessage, len(d.sentMessages))
	copy(rv, d.sentMessages)
	return rv
}

func (d *mockDiscordSession) Open() error {
	d.logger.Info("opened session")
	return nil
}

func (d *mockDiscordSession) Close() error {
	d.logger.Info("closed session")
	return nil
}

func (d *mockDiscordSession) AddHandler(_ any) func() {
	d.logger.Info("added handler")
	return func() {}
}

func (d *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Info("saw message send", "channel_id", channelID, "content", message)
	if d.sendPanics[channelID] {
		panic(fmt.Sprintf("send to channel %s", channelID))
	}
	if err := d.sendErrs[channelID]; err != nil {
		return nil, err
	}
	d.sentMessages = append(
		d.sentMessages,
		sentMessage{ChannelID: channelID, Content: message},
	)
	return &discordgo.Message{
		ID:        fmt.Sprintf("message-%d", len(d.sentMessages)),
		ChannelID: channelID,
		Content:   message,
	}, nil
}

func (d *mockDiscordSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	if d.channelErr != nil {
		return nil, d.channelErr
	}
	if ch, ok := d.channels[channelID]; ok {
		return ch, nil
	}
	return &discordgo.Channel{ID: channelID}, nil
}

func (d *mockDiscordSession) UserChannelCreate(
	recipientID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	d.logger.Info("user channel create", "recipient_id", recipientID)
	if d.userChannelErr != nil {
		return nil, d.userChannelErr
	}
	return &discordgo.Channel{
		ID:   d.dmChannelID,
		Type: discordgo.ChannelTypeDM,
	}, nil
}

func (d *mockDiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	if d.channelMessageErr != nil {
		return nil, d.channelMessageErr
	}
	if msg, ok := d.messages[messageID]; ok {
		return msg, nil
	}
	return nil, fmt.Errorf("unknown message: %s/%s", channelID, messageID)
}

func (d *mockDiscordSession) MessageReactions(
	_ string,
	_ string,
	emojiID string,
	limit int,
	_ string,
	afterID string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.User, error) {
	if d.reactionsErr != nil {
		return nil, d.reactionsErr
	}
	users := d.reactionUsers[emojiID]
	start := 0
	if afterID != "" {
		for i, u := range users {
			if u.ID == afterID {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(users) {
		end = len(users)
	}
	if start > len(users) {
		start = len(users)
	}
	return users[start:end], nil
}

func (d *mockDiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addedReaction = append(
		d.addedReaction,
		fmt.Sprintf("%s/%s/%s", channelID, messageID, emojiID),
	)
	return nil
}

func (d *mockDiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	d.logger.Info(
		"overwrite application commands",
		"app_id", appID,
		"guild_id", guildID,
	)
	cmds := make([]*discordgo.ApplicationCommand, len(commands))
	for i, c := range commands {
		cmds[i] = &discordgo.ApplicationCommand{
			Name:        c.Name,
			Description: c.Description,
		}
	}
	return cmds, nil
}

func (d *mockDiscordSession) UpdateCustomStatus(status string) error {
	d.logger.Info("updating custom status", "status", status)
	return nil
}

func (d *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses = append(d.responses, resp)
	return nil
}

func (d *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.edits = append(d.edits, newresp)
	return &discordgo.Message{}, nil
}

func (d *mockDiscordSession) SetHTTPClient(_ *http.Client) {}

func (d *mockDiscordSession) SetLogLevel(_ slog.Level) error {
	return nil
}

// memDB is an in-memory DBI implementation backed by slices, for tests
// that don't need a real database.
type memDB struct {
	mu sync.Mutex

	nextID         uint
	reminders      []Reminder
	groupReminders []GroupReminder
	interactions   []InteractionLog

	createErr error
	dueErr    error
	deleteErr error

	deletedReminderIDs      [][]uint
	deletedGroupReminderIDs [][]uint
}

func newMemDB() *memDB {
	return &memDB{nextID: 1}
}

func (m *memDB) Create(_ context.Context, value any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return 0, m.createErr
	}
	switch v := value.(type) {
	case *Reminder:
		v.ID = m.nextID
		m.nextID++
		if v.CreatedAt == 0 {
			v.CreatedAt = time.Now().UnixMilli()
		}
		m.reminders = append(m.reminders, *v)
	case *GroupReminder:
		v.ID = m.nextID
		m.nextID++
		if v.CreatedAt == 0 {
			v.CreatedAt = time.Now().UnixMilli()
		}
		m.groupReminders = append(m.groupReminders, *v)
	case *InteractionLog:
		v.ID = m.nextID
		m.nextID++
		m.interactions = append(m.interactions, *v)
	default:
		return 0, fmt.Errorf("unexpected type: %T", value)
	}
	return 1, nil
}

func (m *memDB) Delete(_ context.Context, _ any, _ ...any) (int64, error) {
	return 0, nil
}

func (m *memDB) DueReminders(_ context.Context, now time.Time) ([]Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dueErr != nil {
		return nil, m.dueErr
	}
	cutoff := minuteTruncate(now).UnixMilli()
	var due []Reminder
	for _, r := range m.reminders {
		if r.RemindAt <= cutoff {
			due = append(due, r)
		}
	}
	return due, nil
}

func (m *memDB) DueGroupReminders(
	_ context.Context,
	now time.Time,
) ([]GroupReminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dueErr != nil {
		return nil, m.dueErr
	}
	cutoff := minuteTruncate(now).UnixMilli()
	var due []GroupReminder
	for _, r := range m.groupReminders {
		if r.RemindAt <= cutoff {
			due = append(due, r)
		}
	}
	return due, nil
}

func (m *memDB) DeleteRemindersByID(_ context.Context, ids []uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if len(ids) == 0 {
		return nil
	}
	m.deletedReminderIDs = append(m.deletedReminderIDs, ids)
	drop := map[uint]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	var kept []Reminder
	for _, r := range m.reminders {
		if !drop[r.ID] {
			kept = append(kept, r)
		}
	}
	m.reminders = kept
	return nil
}

func (m *memDB) DeleteGroupRemindersByID(_ context.Context, ids []uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	if len(ids) == 0 {
		return nil
	}
	m.deletedGroupReminderIDs = append(m.deletedGroupReminderIDs, ids)
	drop := map[uint]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	var kept []GroupReminder
	for _, r := range m.groupReminders {
		if !drop[r.ID] {
			kept = append(kept, r)
		}
	}
	m.groupReminders = kept
	return nil
}

func (m *memDB) PendingReminders(_ context.Context) ([]Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rv := make([]Reminder, len(m.reminders))
	copy(rv, m.reminders)
	return rv, nil
}

func (m *memDB) PendingGroupReminders(_ context.Context) ([]GroupReminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rv := make([]GroupReminder, len(m.groupReminders))
	copy(rv, m.groupReminders)
	return rv, nil
}

func (m *memDB) RecentInteractions(
	_ context.Context,
	limit int,
) ([]InteractionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rv := make([]InteractionLog, len(m.interactions))
	copy(rv, m.interactions)
	if len(rv) > limit {
		rv = rv[:limit]
	}
	return rv, nil
}
