package domain

// MessageBus carries normalized inbound messages from the transport layer
// (webhooks, persistent connections) to the router.
type MessageBus interface {
	Publish(msg ChatMessage) bool
	Subscribe() <-chan ChatMessage
	Close()
}
