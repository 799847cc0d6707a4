package ksibot

import (
	"context"
	"fmt"
	"time"
)

// remindCommand handles /remindme: validate the relative offset and
// message, persist the reminder, and confirm the fire time to the user.
func (b *KSIBot) remindCommand(
	ctx context.Context,
	handler InteractionHandler,
) (string, error) {
	i := handler.GetInteraction()
	opts := discordInteractionOptions(i)

	value := int(opts[remindCommandValueOption].IntValue())
	unit := ReminderUnit(opts[remindCommandUnitOption].StringValue())
	text := opts[remindCommandTextOption].StringValue()

	sendDirectMessage := false
	if opt, ok := opts[remindCommandDirectMessageOption]; ok {
		sendDirectMessage = opt.BoolValue()
	}

	user := getDiscordUser(i)
	reminder, err := newReminder(
		time.Now(),
		user.ID,
		i.ChannelID,
		value,
		unit,
		text,
		sendDirectMessage,
	)
	if err != nil {
		return "", err
	}

	if _, err = b.writeDB.Create(ctx, reminder); err != nil {
		return "", fmt.Errorf("error saving reminder: %w", err)
	}

	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = handler.Logger()
	}
	logger.InfoContext(ctx, "created reminder", "reminder", reminder)
	return fmt.Sprintf(
		"Reminder set for %s UTC", discordTimestamp(reminder.RemindAt),
	), nil
}
