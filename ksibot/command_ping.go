package ksibot

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// pingCommand handles /ping: fetch the given URL from the bot's
// network position and report the HTTP status code back to the user.
func (b *KSIBot) pingCommand(
	ctx context.Context,
	handler InteractionHandler,
) (string, error) {
	i := handler.GetInteraction()
	opts := discordInteractionOptions(i)

	url := opts[pingCommandURLOption].StringValue()
	if !strings.Contains(url, "http") {
		url = fmt.Sprintf("http://%s", url)
	}

	requestCtx, cancel := context.WithTimeout(ctx, DefaultPingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Sprintf("That doesn't look like a valid URL: %s", url), nil
	}

	rv, err := b.pingClient.Do(req)
	if err != nil {
		logger, ok := ContextLogger(ctx)
		if !ok {
			logger = handler.Logger()
		}
		logger.InfoContext(ctx, "ping failed", "url", url, "error", err)
		return fmt.Sprintf("Provided URL did not respond: %s", url), nil
	}
	_ = rv.Body.Close()

	return fmt.Sprintf("Provided URL returned status %d", rv.StatusCode), nil
}
