package ksibot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// reactionsPageLimit is the per-page maximum of the discord message
// reactions endpoint.
const reactionsPageLimit = 100

// Delivery sends due reminders out to Discord. It is deliberately
// best-effort: a target that can't be resolved is skipped silently,
// since the scheduler deletes the row either way.
type Delivery struct {
	session DiscordSessionHandler
	logger  *slog.Logger
}

func newDelivery(session DiscordSessionHandler, logger *slog.Logger) *Delivery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Delivery{
		session: session,
		logger:  logger.With(loggerNameKey, "delivery"),
	}
}

// reminderContent composes the message body sent for an individual
// reminder, in both the channel and the direct message.
func reminderContent(reminder *Reminder) string {
	return joinTexts(
		fmt.Sprintf(
			"Direct reminder created by %s on %s UTC with message:",
			userMention(reminder.AuthorID),
			discordTimestamp(reminder.CreatedAt),
		),
		fmt.Sprintf("%s%s%s", codeFence, reminder.Message, codeFence),
	)
}

// DeliverReminder fans an individual reminder out to its originating
// channel and, if requested, the author's DM channel. The two sends
// are independent: a failed DM doesn't stop the channel send. The
// returned error aggregates whatever failed.
func (d *Delivery) DeliverReminder(ctx context.Context, reminder *Reminder) error {
	content := truncateMessage(reminderContent(reminder))
	logger := d.logger.With("reminder", reminder)

	var errs []error

	if reminder.SendDirectMessage {
		dmChannel, err := d.session.UserChannelCreate(
			reminder.AuthorID,
			discordgo.WithContext(ctx),
		)
		switch {
		case err != nil:
			logger.Warn("unable to resolve DM channel", tint.Err(err))
			errs = append(errs, fmt.Errorf("error resolving DM channel: %w", err))
		default:
			_, err = d.session.ChannelMessageSend(
				dmChannel.ID,
				content,
				discordgo.WithContext(ctx),
			)
			if err != nil {
				errs = append(errs, fmt.Errorf("error sending reminder DM: %w", err))
			}
		}
	}

	if _, err := d.session.Channel(
		reminder.ChannelID, discordgo.WithContext(ctx),
	); err != nil {
		// Channel gone since the reminder was created. Drop it.
		logger.Warn("reminder channel no longer resolvable", tint.Err(err))
	} else if _, err = d.session.ChannelMessageSend(
		reminder.ChannelID,
		content,
		discordgo.WithContext(ctx),
	); err != nil {
		errs = append(errs, fmt.Errorf("error sending reminder to channel: %w", err))
	}

	return errors.Join(errs...)
}

// DeliverGroupReminder sends a group reminder to its originating
// channel, mentioning everyone who reacted to the signup message.
// Recipients are whoever has a reaction on the message right now, not
// whoever had one at any earlier point.
func (d *Delivery) DeliverGroupReminder(
	ctx context.Context,
	reminder *GroupReminder,
) error {
	logger := d.logger.With("group_reminder", reminder)

	signupMessage, err := d.session.ChannelMessage(
		reminder.ChannelID,
		reminder.SignupMessageID,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		// Signup message deleted out from under us. Nobody to remind.
		logger.Warn("signup message no longer resolvable", tint.Err(err))
		return nil
	}

	userIDs, err := d.reactedUserIDs(ctx, signupMessage)
	if err != nil {
		return err
	}

	mentions := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		mentions = append(mentions, userMention(userID))
	}

	content := joinTexts(
		fmt.Sprintf(
			"Reminder created by %s on %s UTC with message:",
			userMention(reminder.AuthorID),
			discordTimestamp(reminder.CreatedAt),
		),
		fmt.Sprintf("> %s", reminder.Message),
		fmt.Sprintf(
			"||Users which reacted to the remind message: %s||",
			strings.Join(mentions, ", "),
		),
	)

	_, err = d.session.ChannelMessageSend(
		reminder.ChannelID,
		truncateMessage(content),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("error sending group reminder: %w", err)
	}
	return nil
}

// reactedUserIDs pages through the users behind every reaction on the
// given message, returning deduplicated non-bot user IDs in first-seen
// order.
func (d *Delivery) reactedUserIDs(
	ctx context.Context,
	message *discordgo.Message,
) ([]string, error) {
	seen := map[string]bool{}
	var userIDs []string

	for _, reaction := range message.Reactions {
		afterID := ""
		for {
			users, err := d.session.MessageReactions(
				message.ChannelID,
				message.ID,
				reaction.Emoji.APIName(),
				reactionsPageLimit,
				"",
				afterID,
				discordgo.WithContext(ctx),
			)
			if err != nil {
				return userIDs, fmt.Errorf("error listing message reactions: %w", err)
			}
			for _, user := range users {
				if user.Bot || seen[user.ID] {
					continue
				}
				seen[user.ID] = true
				userIDs = append(userIDs, user.ID)
			}
			if len(users) < reactionsPageLimit {
				break
			}
			afterID = users[len(users)-1].ID
		}
	}

	return userIDs, nil
}

// signupMessageContent composes the react-to-opt-in message posted by
// the group_reminder command.
func signupMessageContent(authorID string, remindAt int64, text string) string {
	return joinTexts(
		fmt.Sprintf("Reminder created by %s with message:", userMention(authorID)),
		fmt.Sprintf("> %s", text),
		fmt.Sprintf("You will be reminded on %s UTC.", discordTimestamp(remindAt)),
		"React to this message if you want to get the reminder as well!",
	)
}
