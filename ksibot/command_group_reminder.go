package ksibot

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// groupReminderCommand handles /group_reminder: post the signup
// message to the channel, seed it with a reaction, then persist the
// reminder pointing at that message. Recipients are decided at fire
// time, from whoever has reacted by then.
func (b *KSIBot) groupReminderCommand(
	ctx context.Context,
	handler InteractionHandler,
) (string, error) {
	i := handler.GetInteraction()
	opts := discordInteractionOptions(i)

	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = handler.Logger()
	}

	value := int(opts[remindCommandValueOption].IntValue())
	unit := ReminderUnit(opts[remindCommandUnitOption].StringValue())
	text := opts[remindCommandTextOption].StringValue()

	user := getDiscordUser(i)
	reminder, err := newGroupReminder(
		time.Now(),
		user.ID,
		i.ChannelID,
		value,
		unit,
		text,
	)
	if err != nil {
		return "", err
	}

	signupMessage, err := b.discord.session.ChannelMessageSend(
		i.ChannelID,
		signupMessageContent(user.ID, reminder.RemindAt, text),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return "", fmt.Errorf("error sending signup message: %w", err)
	}
	reminder.SignupMessageID = signupMessage.ID

	// The seed reaction gives users something to click. If it fails,
	// the signup message still works with user-added reactions.
	if err = b.discord.session.MessageReactionAdd(
		i.ChannelID,
		signupMessage.ID,
		signupReactionEmoji,
		discordgo.WithContext(ctx),
	); err != nil {
		logger.Warn("unable to add seed reaction", tint.Err(err))
	}

	if _, err = b.writeDB.Create(ctx, reminder); err != nil {
		return "", fmt.Errorf("error saving group reminder: %w", err)
	}

	logger.InfoContext(ctx, "created group reminder", "reminder", reminder)
	return fmt.Sprintf("Reminder set for %d %s", value, unit), nil
}
