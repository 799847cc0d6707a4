package ksibot

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const polishBotQuestion = "bocie?"

// MessageResponder inspects a plain channel message and optionally
// produces a reply. Respond returns the reply content and whether this
// responder handled the message.
type MessageResponder interface {
	Respond(m *discordgo.Message) (string, bool)
}

// responderChain runs responders in order, stopping at the first one
// that handles the message. Bot-authored messages are never handled.
type responderChain struct {
	responders []MessageResponder
}

func newResponderChain(responders ...MessageResponder) *responderChain {
	return &responderChain{responders: responders}
}

// Respond returns the reply for the first responder that matches, or
// ("", false) if the message draws no response.
func (c *responderChain) Respond(m *discordgo.Message) (string, bool) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return "", false
	}
	for _, responder := range c.responders {
		if reply, ok := responder.Respond(m); ok {
			return reply, ok
		}
	}
	return "", false
}

// polishBotQuestionResponder answers messages ending in "bocie?" by
// echoing the leading text back at the author, completing the Polish
// vocative call-and-response.
type polishBotQuestionResponder struct{}

func (polishBotQuestionResponder) Respond(m *discordgo.Message) (string, bool) {
	content := m.Content
	if content != polishBotQuestion && !strings.HasSuffix(content, " "+polishBotQuestion) {
		return "", false
	}
	prefix := strings.TrimSpace(strings.TrimSuffix(content, polishBotQuestion))
	return fmt.Sprintf("%s %s", prefix, m.Author.Username), true
}

// defaultResponders is the production responder order.
func defaultResponders() []MessageResponder {
	return []MessageResponder{
		polishBotQuestionResponder{},
	}
}
