package ksibot

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	// reminderTextMaxLength is the maximum accepted length for the
	// user-provided reminder message.
	reminderTextMaxLength = 100

	// codeFence can't appear in reminder text, since the delivered
	// notification wraps the message in a code block.
	codeFence = "```"

	// reminderValueMax caps the relative offset at three years' worth of days
	reminderValueMin = 1
	reminderValueMax = 366 * 3
)

var (
	ErrReminderTextTooLong = errors.New(
		"reminder message is too long, keep it under 100 characters",
	)
	ErrReminderCodeBlock = errors.New(
		"nice try! code blocks aren't allowed in reminder messages",
	)
	ErrInvalidReminderUnit  = errors.New("unit must be one of: minutes, hours, days")
	ErrInvalidReminderValue = fmt.Errorf(
		"value must be between %d and %d", reminderValueMin, reminderValueMax,
	)
)

// ReminderUnit is the relative-offset unit accepted by the
// /remindme and /group_reminder commands.
type ReminderUnit string

const (
	ReminderUnitMinutes ReminderUnit = "minutes"
	ReminderUnitHours   ReminderUnit = "hours"
	ReminderUnitDays    ReminderUnit = "days"
)

// Duration converts value×unit to a time.Duration. Days are flat
// 24-hour periods, no DST arithmetic.
func (u ReminderUnit) Duration(value int) (time.Duration, error) {
	switch u {
	case ReminderUnitMinutes:
		return time.Duration(value) * time.Minute, nil
	case ReminderUnitHours:
		return time.Duration(value) * time.Hour, nil
	case ReminderUnitDays:
		return time.Duration(value) * 24 * time.Hour, nil
	default:
		return 0, ErrInvalidReminderUnit
	}
}

// ReminderCore holds the fields shared by individual and group reminders.
//
//nolint:lll // struct tags can't be split
type ReminderCore struct {
	// AuthorID is the Discord user ID of the requesting user
	AuthorID string `json:"author_id" gorm:"index;not null;default:null"`

	// ChannelID is the channel the command was issued in, and the
	// channel the notification is later sent to
	ChannelID string `json:"channel_id" gorm:"not null;default:null"`

	// RemindAt is the UTC fire time, truncated to the minute, as unix millis
	RemindAt int64 `json:"remind_at" gorm:"index;not null"`

	// Message is the user-provided reminder text
	Message string `json:"message" gorm:"type:string;not null"`
}

// FireTime returns RemindAt as a UTC time.Time
func (r ReminderCore) FireTime() time.Time {
	return time.UnixMilli(r.RemindAt).UTC()
}

// Reminder is a durably stored request to notify its author (and/or the
// originating channel) at a future instant. Rows are written by the
// command surface and deleted by the scheduler once a delivery attempt
// has been dispatched - there is no in-between state.
type Reminder struct {
	ModelUintID
	ModelCreatedUpdated
	ReminderCore

	// SendDirectMessage selects whether delivery also targets the
	// author's DM channel, in addition to the originating channel
	SendDirectMessage bool `json:"send_direct_message" gorm:"default:false"`
}

func (r Reminder) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(r.ID)),
		slog.String("author_id", r.AuthorID),
		slog.String("channel_id", r.ChannelID),
		slog.Time("remind_at", r.FireTime()),
		slog.Bool("send_direct_message", r.SendDirectMessage),
	)
}

// GroupReminder is the react-to-opt-in variant of Reminder. The
// recipient set is never stored: it is computed at fire time from the
// current reactions on the signup message.
type GroupReminder struct {
	ModelUintID
	ModelCreatedUpdated
	ReminderCore

	// SignupMessageID is the message users react to, to opt in
	SignupMessageID string `json:"signup_message_id" gorm:"not null;default:null"`
}

func (r GroupReminder) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(r.ID)),
		slog.String("author_id", r.AuthorID),
		slog.String("channel_id", r.ChannelID),
		slog.Time("remind_at", r.FireTime()),
		slog.String("signup_message_id", r.SignupMessageID),
	)
}

// validateReminderText enforces the constraints on user-provided
// reminder messages: length-bounded, and no code fence delimiter.
// A message of exactly reminderTextMaxLength characters is accepted.
func validateReminderText(text string) error {
	if containsCodeFence(text) {
		return ErrReminderCodeBlock
	}
	if len([]rune(text)) > reminderTextMaxLength {
		return ErrReminderTextTooLong
	}
	return nil
}

// remindAtFor resolves a relative (value, unit) pair against now,
// returning the absolute fire time truncated to the minute. The
// truncation guarantees a reminder requested "in 1 minute" fires on the
// first tick at or after that minute boundary, rather than being
// skipped over by second-level drift.
func remindAtFor(now time.Time, value int, unit ReminderUnit) (time.Time, error) {
	if value < reminderValueMin || value > reminderValueMax {
		return time.Time{}, ErrInvalidReminderValue
	}
	offset, err := unit.Duration(value)
	if err != nil {
		return time.Time{}, err
	}
	return minuteTruncate(now.UTC().Add(offset)), nil
}

// newReminder validates and builds an individual Reminder. The returned
// record is not yet persisted.
func newReminder(
	now time.Time,
	authorID string,
	channelID string,
	value int,
	unit ReminderUnit,
	text string,
	sendDirectMessage bool,
) (*Reminder, error) {
	if err := validateReminderText(text); err != nil {
		return nil, err
	}
	remindAt, err := remindAtFor(now, value, unit)
	if err != nil {
		return nil, err
	}
	return &Reminder{
		ReminderCore: ReminderCore{
			AuthorID:  authorID,
			ChannelID: channelID,
			RemindAt:  remindAt.UnixMilli(),
			Message:   text,
		},
		SendDirectMessage: sendDirectMessage,
	}, nil
}

// newGroupReminder validates and builds a GroupReminder. The signup
// message is sent (and its ID filled in) by the command surface before
// the record is persisted.
func newGroupReminder(
	now time.Time,
	authorID string,
	channelID string,
	value int,
	unit ReminderUnit,
	text string,
) (*GroupReminder, error) {
	if err := validateReminderText(text); err != nil {
		return nil, err
	}
	remindAt, err := remindAtFor(now, value, unit)
	if err != nil {
		return nil, err
	}
	return &GroupReminder{
		ReminderCore: ReminderCore{
			AuthorID:  authorID,
			ChannelID: channelID,
			RemindAt:  remindAt.UnixMilli(),
			Message:   text,
		},
	}, nil
}
