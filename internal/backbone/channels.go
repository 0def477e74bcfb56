package backbone

import "strings"

// DefaultPrefix namespaces every channel the gateway publishes on
const DefaultPrefix = "deskrelay:events:"

// Channels maps topics and actors to backbone channel names.
// Every gateway process subscribes to Pattern() and reads the target from
// the message body, so the naming only has to keep channels apart.
type Channels struct {
	Prefix string
}

// NewChannels returns channel naming under prefix, or DefaultPrefix when empty
func NewChannels(prefix string) Channels {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Channels{Prefix: prefix}
}

// Topic returns the channel carrying events for topic
func (c Channels) Topic(topic string) string {
	return c.Prefix + topic
}

// Actor returns the channel carrying events for actor
func (c Channels) Actor(actor string) string {
	return c.Prefix + "user:" + actor
}

// Pattern matches every channel under the prefix
func (c Channels) Pattern() string {
	return c.Prefix + "*"
}

// Owns reports whether channel lives under the prefix
func (c Channels) Owns(channel string) bool {
	return strings.HasPrefix(channel, c.Prefix)
}
