package ksibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// interactionTimeout bounds the handling of a single slash command.
// Discord invalidates interaction tokens after 15 minutes; in practice
// every command here finishes in seconds.
const interactionTimeout = time.Minute

// handleInteraction is the entrypoint for slash commands arriving from
// the gateway. It records the interaction, enforces the command's
// cooldown, acknowledges with a deferred ephemeral response, runs the
// command, and edits the acknowledgement with the outcome.
func (b *KSIBot) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	user := getDiscordUser(i)
	if user == nil {
		handler.Logger().Warn("no user found for interaction")
		return
	}
	if user.Bot {
		return
	}

	logger := handler.Logger().With(
		"command", i.ApplicationCommandData().Name,
		slog.Group("user", "id", user.ID, "username", user.Username),
	)
	ctx = WithLogger(ctx, logger)

	b.recordInteraction(ctx, logger, i, user)

	commandName := i.ApplicationCommandData().Name
	if !b.cooldowns.Allow(commandName, user.ID) {
		logger.Info("rejecting command, user on cooldown")
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: fmt.Sprintf(
						"You are on cooldown. Try again in %s.",
						b.cooldowns.Period(commandName),
					),
					Flags: discordgo.MessageFlagsEphemeral,
				},
			},
		)
		return
	}

	ack := ackEphemeral()
	if !interactionEphemeral(i) {
		ack.Data.Flags = 0
	}
	if err := handler.Respond(ctx, ack); err != nil {
		logger.Error("error acknowledging interaction", tint.Err(err))
		return
	}

	content := b.runCommand(ctx, logger, handler)
	if content == "" {
		return
	}
	if _, err := handler.Edit(ctx, interactionEdit(content)); err != nil {
		logger.Error("error editing interaction response", tint.Err(err))
	}
}

// runCommand executes a single slash command inside a recover boundary
// and returns the reply content. Validation errors are surfaced to the
// user verbatim; anything else gets the generic error message.
func (b *KSIBot) runCommand(
	ctx context.Context,
	logger *slog.Logger,
	handler InteractionHandler,
) (content string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(
				"panic in command handler",
				"recovered", r,
				"stack", string(debug.Stack()),
			)
			content = DefaultDiscordErrorMessage
		}
	}()

	i := handler.GetInteraction()
	var err error

	switch i.ApplicationCommandData().Name {
	case DiscordSlashCommandRemind:
		content, err = b.remindCommand(ctx, handler)
	case DiscordSlashCommandGroupReminder:
		content, err = b.groupReminderCommand(ctx, handler)
	case DiscordSlashCommandInformator:
		content = infoCommandReply(informatorReply, handler)
	case DiscordSlashCommandBaca:
		content = infoCommandReply(bacaReply, handler)
	case DiscordSlashCommandMordor:
		content = infoCommandReply(mordorReply, handler)
	case DiscordSlashCommandPing:
		content, err = b.pingCommand(ctx, handler)
	default:
		logger.Warn("unknown command")
		return ""
	}

	if err != nil {
		if validationErr := reminderValidationError(err); validationErr != "" {
			return validationErr
		}
		logger.Error("error executing command", tint.Err(err))
		return DefaultDiscordErrorMessage
	}
	return content
}

// reminderValidationError maps user-correctable reminder errors to the
// message shown in the ephemeral reply. Returns "" for anything that
// isn't the user's fault.
func reminderValidationError(err error) string {
	switch {
	case errors.Is(err, ErrReminderTextTooLong):
		return fmt.Sprintf(
			"Reminder text can be at most %d characters long.",
			reminderTextMaxLength,
		)
	case errors.Is(err, ErrReminderCodeBlock):
		return "Reminder text can't contain code blocks."
	case errors.Is(err, ErrInvalidReminderValue):
		return fmt.Sprintf(
			"Reminder value must be between %d and %d.",
			reminderValueMin,
			reminderValueMax,
		)
	case errors.Is(err, ErrInvalidReminderUnit):
		return "Reminder unit must be one of: minutes, hours, days."
	default:
		return ""
	}
}

// recordInteraction persists an InteractionLog row. Failures are
// logged and otherwise ignored; command execution doesn't depend on
// the audit trail.
func (b *KSIBot) recordInteraction(
	ctx context.Context,
	logger *slog.Logger,
	i *discordgo.InteractionCreate,
	user *discordgo.User,
) {
	interactionLog, err := newInteractionLog(i, user)
	if err != nil {
		logger.Error("error creating interaction log", tint.Err(err))
		return
	}
	if _, err = b.writeDB.Create(ctx, interactionLog); err != nil {
		logger.Error("error saving interaction log", tint.Err(err))
	}
}
