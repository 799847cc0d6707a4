package ksibot

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync/atomic"
)

const (
	remindCommandValueOption         = "value"
	remindCommandUnitOption          = "unit"
	remindCommandTextOption          = "text"
	remindCommandDirectMessageOption = "direct_message"
	infoCommandPublicOption          = "public"
	pingCommandURLOption             = "url"

	// signupReactionEmoji seeds the group-reminder signup message, so
	// users have something to click on
	signupReactionEmoji = "✅"
)

// Discord manages the bot's Discord session: connection lifecycle,
// slash command registration, and outbound sends.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	bot                         *KSIBot
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config == nil {
		return nil, fmt.Errorf("nil discord config")
	}
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}, nil
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	session.session = disc
	if d.config.httpClient != nil {
		session.SetHTTPClient(d.config.httpClient)
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}

	return session, nil
}

// appCommandRemind creates the ApplicationCommand for /remindme.
func (*Discord) appCommandRemind() *discordgo.ApplicationCommand {
	minValue := float64(reminderValueMin)

	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandRemind,
		Description: "Set a reminder",
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        remindCommandValueOption,
				Description: "How far in the future to be reminded",
				Required:    true,
				MinValue:    &minValue,
				MaxValue:    float64(reminderValueMax),
			},
			reminderUnitOption(),
			reminderTextOption(),
			{
				Type:        discordgo.ApplicationCommandOptionBoolean,
				Name:        remindCommandDirectMessageOption,
				Description: "Also send the reminder as a direct message",
			},
		},
	}
}

// appCommandGroupReminder creates the ApplicationCommand for /group_reminder.
func (*Discord) appCommandGroupReminder() *discordgo.ApplicationCommand {
	minValue := float64(reminderValueMin)

	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandGroupReminder,
		Description: "Set a group reminder sent to everyone who reacts to the signup message",
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        remindCommandValueOption,
				Description: "How far in the future to be reminded",
				Required:    true,
				MinValue:    &minValue,
				MaxValue:    float64(reminderValueMax),
			},
			reminderUnitOption(),
			reminderTextOption(),
		},
	}
}

func reminderUnitOption() *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        remindCommandUnitOption,
		Description: "Unit for the value",
		Required:    true,
		Choices: []*discordgo.ApplicationCommandOptionChoice{
			{Name: string(ReminderUnitMinutes), Value: string(ReminderUnitMinutes)},
			{Name: string(ReminderUnitHours), Value: string(ReminderUnitHours)},
			{Name: string(ReminderUnitDays), Value: string(ReminderUnitDays)},
		},
	}
}

func reminderTextOption() *discordgo.ApplicationCommandOption {
	minLength := 1
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        remindCommandTextOption,
		Description: "The message to send with the reminder",
		Required:    true,
		MinLength:   &minLength,
		MaxLength:   reminderTextMaxLength,
	}
}

// appCommandInfo creates a zero-argument link command (/informator,
// /baca, /mordor) with an optional 'public' flag.
func (*Discord) appCommandInfo(name string, description string) *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        name,
		Description: description,
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionBoolean,
				Name:        infoCommandPublicOption,
				Description: "Post the link publicly instead of as an ephemeral reply",
			},
		},
	}
}

// appCommandPing creates the ApplicationCommand for /ping.
func (*Discord) appCommandPing() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandPing,
		Description: "Check whether a website responds for the bot",
		Type:        discordgo.ChatApplicationCommand,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        pingCommandURLOption,
				Description: "URL to check",
				Required:    true,
			},
		},
	}
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		if d.config.CustomStatus != "" {
			if statusErr := d.session.UpdateCustomStatus(d.config.CustomStatus); statusErr != nil {
				d.logger.Error("unable to set custom status", tint.Err(statusErr))
			}
		}
		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if sendErr := d.channelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected")
	}
}

// registerCommands sends the bot's commands to the discord bulk
// overwrite endpoint, once per configured guild.
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandRemind(),
		d.appCommandGroupReminder(),
		d.appCommandInfo(
			DiscordSlashCommandInformator,
			"Returns a link to the KSI Informator",
		),
		d.appCommandInfo(
			DiscordSlashCommandBaca,
			"Returns a link to the website with information about Baca",
		),
		d.appCommandInfo(
			DiscordSlashCommandMordor,
			"Returns a link to the Mordor file repository",
		),
		d.appCommandPing(),
	}

	var created []*discordgo.ApplicationCommand
	for _, guildID := range d.config.GuildIDs {
		guildCommands, err := d.session.ApplicationCommandBulkOverwrite(
			d.config.ApplicationID,
			guildID,
			commands,
			options...,
		)
		if err != nil {
			d.logger.Error(
				"error overwriting discord commands",
				tint.Err(err),
				"guild_id", guildID,
			)
			return created, err
		}
		for _, c := range guildCommands {
			d.logger.Info("Created command", "guild_id", guildID, "command", c.Name)
		}
		created = append(created, guildCommands...)
	}

	return created, nil
}

// DiscordSessionHandler defines the subset of `discordgo.Session`
// methods used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// ChannelMessageSend sends a message to the given channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// Channel resolves a channel by ID
	Channel(
		channelID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// UserChannelCreate resolves (or creates) the DM channel for a user
	UserChannelCreate(
		recipientID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelMessage fetches a single message by channel and message ID
	ChannelMessage(
		channelID string,
		messageID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// MessageReactions returns a page of users who reacted to a message
	// with the given emoji
	MessageReactions(
		channelID string,
		messageID string,
		emojiID string,
		limit int,
		beforeID string,
		afterID string,
		opts ...discordgo.RequestOption,
	) ([]*discordgo.User, error)

	// MessageReactionAdd adds the bot's own reaction to a message
	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		opts ...discordgo.RequestOption,
	) error

	// ApplicationCommandBulkOverwrite overwrites the application's
	// commands in the given guild
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	UpdateCustomStatus(status string) error

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) Channel(
	channelID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.Channel(channelID, opts...)
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, opts...)
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, opts...)
}

func (d DiscordSession) MessageReactions(
	channelID string,
	messageID string,
	emojiID string,
	limit int,
	beforeID string,
	afterID string,
	opts ...discordgo.RequestOption,
) ([]*discordgo.User, error) {
	return d.session.MessageReactions(
		channelID, messageID, emojiID, limit, beforeID, afterID, opts...,
	)
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	opts ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, opts...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name)
	}

	return created, nil
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}
