// Package ksibot implements the KSI discord bot: slash commands for
// durable one-shot reminders (individual and react-to-opt-in group
// reminders), static info links, a URL checker, plain-message
// responders, and a small read-only operator API.
package ksibot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/KSIUJ/KSI-Bot/ksibot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	structValidator = newStructValidator()
)

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}

// KSIBot is the top-level application context. It owns the database,
// the discord session, the reminder scheduler and the API server, and
// is passed explicitly to everything that needs it.
type KSIBot struct {
	config *Config

	db      DBI
	writeDB DBI

	discord   *Discord
	delivery  *Delivery
	scheduler *Scheduler
	api       *API

	responders *responderChain
	cooldowns  *commandCooldowns
	pingClient *http.Client

	logger     *slog.Logger
	logHandler slog.Handler

	runMu     sync.Mutex
	startedAt time.Time

	// signalStop enables an explicit stop signal to be sent to the bot,
	// as an alternative to canceling the context passed to Run
	signalStop chan struct{}

	// signalReady has a value sent on it when startup finishes and the
	// bot is connected and scheduling
	signalReady chan struct{}

	// eventShutdown has a value sent on it when a graceful shutdown
	// completes
	eventShutdown chan struct{}

	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

// New creates a KSIBot from the given config. The database is not
// opened and the discord session is not connected until Run.
func New(config *Config) (*KSIBot, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		return nil, errors.New("invalid database type (must be 'sqlite' or 'postgres')")
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &KSIBot{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		cooldowns:     newCommandCooldowns(),
		responders:    newResponderChain(defaultResponders()...),
		pingClient:    &http.Client{Timeout: DefaultPingTimeout},
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.config.Discord.httpClient = b.config.HTTPClient

	disc, err := newDiscord(b.config.Discord)
	if err != nil {
		return nil, err
	}
	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")
	disc.bot = b
	b.discord = disc

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	return b, nil
}

// ValidateConfig validates the bot's configuration against its
// `binding` struct tags.
func (b *KSIBot) ValidateConfig() error {
	if err := structValidator.Struct(b.config); err != nil {
		return err
	}
	return structValidator.Struct(b.config.Discord)
}

// Run starts the bot and blocks until ctx is canceled, Stop is called,
// or startup fails. A graceful shutdown is attempted on the way out.
func (b *KSIBot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	runtimeWG := &sync.WaitGroup{}

	// the 'runtime' context: canceling it triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			logger.Warn("context canceled, sending stop signal")
			b.signalStop <- struct{}{}
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErrCh := make(chan error, 1)
	go func() {
		initErrCh <- b.initRun(startCtx, ctx, runtimeWG)
	}()

	select {
	case <-startCtx.Done():
		return errors.New("startup canceled or timed out")
	case err := <-initErrCh:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		httpErr := b.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	if err := b.scheduler.Start(ctx); err != nil {
		return err
	}

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()

	return b.shutdown(runtimeWG)
}

// Stop signals a running bot to begin a graceful shutdown.
func (b *KSIBot) Stop() {
	if b.signalStop != nil {
		b.signalStop <- struct{}{}
	}
}

// initRun opens the database, connects the discord session, registers
// slash commands and installs the gateway handlers.
func (b *KSIBot) initRun(
	startCtx context.Context,
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	gdb, err := CreateDB(startCtx, b.config)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	db := NewDatabase(
		gdb,
		b.logger,
		b.config.DatabaseType == dbTypePostgres,
	)
	b.db = db
	b.writeDB = db

	api, err := newAPI(b.config.API, b.db)
	if err != nil {
		return fmt.Errorf("error initializing api: %w", err)
	}
	b.api = api

	session, err := b.discord.newSession()
	if err != nil {
		return err
	}
	b.discord.session = session
	b.delivery = newDelivery(session, b.discord.logger)
	b.scheduler = newScheduler(b.writeDB, b.delivery, b.logger)

	b.addGatewayHandlers(ctx, runtimeWG)

	b.logger.InfoContext(ctx, "connecting to discord")
	if err = session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if _, err = b.discord.registerCommands(); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}

	return nil
}

// addGatewayHandlers installs the discord gateway event handlers.
// Interaction and message events are handled on their own goroutines,
// tracked by the runtime WaitGroup so shutdown can wait for them.
func (b *KSIBot) addGatewayHandlers(ctx context.Context, runtimeWG *sync.WaitGroup) {
	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := b.interactionHandler(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					handlerCtx, handlerCancel := context.WithTimeout(
						ctx,
						interactionTimeout,
					)
					defer handlerCancel()
					b.handleInteraction(handlerCtx, handler)
				}()
			},
		),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleDiscordMessage(ctx, m)
				}()
			},
		),
	}
}

func (b *KSIBot) interactionHandler(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) InteractionHandler {
	if b.getInteractionHandlerFunc != nil {
		return b.getInteractionHandlerFunc(ctx, i)
	}
	return GatewayHandler{
		session:     b.discord.session,
		interaction: i,
		logger: b.logger.With(
			slog.Group("interaction", interactionLogAttrs(*i)...),
		),
	}
}

// handleDiscordMessage runs plain channel messages through the
// responder chain and sends the reply, if any.
func (b *KSIBot) handleDiscordMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	if m == nil || m.Message == nil {
		return
	}
	reply, ok := b.responders.Respond(m.Message)
	if !ok {
		return
	}
	_, err := b.discord.session.ChannelMessageSend(
		m.ChannelID,
		reply,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		b.logger.ErrorContext(ctx, "error sending response message", tint.Err(err))
	}
}

// shutdown stops the scheduler, the API server and the discord
// session, waiting up to ShutdownTimeout for in-flight work.
func (b *KSIBot) shutdown(runtimeWG *sync.WaitGroup) error {
	b.logger.Warn("shutting down")
	defer func() {
		if b.eventShutdown != nil {
			go func() {
				b.eventShutdown <- struct{}{}
			}()
		}
	}()

	closeCtx, closeCancel := context.WithTimeout(
		context.Background(),
		b.config.ShutdownTimeout,
	)
	defer closeCancel()

	if b.scheduler != nil {
		b.scheduler.Stop()
	}

	if b.api != nil {
		if err := b.api.Shutdown(closeCtx); err != nil {
			b.logger.Error("error shutting down api server", tint.Err(err))
		}
	}

	if b.discord != nil && b.discord.session != nil {
		for _, h := range b.discord.discordgoRemoveHandlerFuncs {
			h()
		}
		if err := b.discord.session.Close(); err != nil {
			b.logger.Error("error closing discord session", tint.Err(err))
		}
	}

	done := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		done <- struct{}{}
	}()

	select {
	case <-closeCtx.Done():
		return errors.New("in-flight handlers did not stop in time")
	case <-done:
		b.logger.Info("shutdown complete", "uptime", time.Since(b.startedAt))
		return nil
	}
}
