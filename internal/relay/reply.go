package relay

import (
	"relaybot/internal/notifier"
	"relaybot/internal/registry"
)

// ReplyText addresses text to the requester. Private chats get no prefix.
func ReplyText(to registry.Requester, text string) string {
	if to.Private || to.Name == "" {
		return text
	}
	return to.Name + ": " + text
}

// Reply queues text for the chat the request came from.
func Reply(out Replier, to registry.Requester, text string) error {
	return out.Send(notifier.Reply(to.Origin), ReplyText(to, text))
}
