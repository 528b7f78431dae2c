package postoffice

import "strings"

// Message is the smallest unit of data exchanged through a post office: a
// topic label and an opaque payload. The embedded broker matches topics
// exactly; the amqp and nats transports pass topics to their servers as
// routing keys and subjects, where those servers' wildcard syntax applies.
type Message struct {
	Topic   string
	Payload []byte
}

// Size returns the byte footprint this message contributes to a bounded
// queue: the topic bytes plus the payload bytes.
func (m Message) Size() int {
	return len(m.Topic) + len(m.Payload)
}

// ValidTopic reports whether topic is free of the horizontal-tab byte
// reserved for internal framing. Publish rejects topics that fail this
// check; Subscribe and Unsubscribe do not check it.
func ValidTopic(topic string) bool {
	return !strings.ContainsRune(topic, '\t')
}
