// Package bus declares the publish/subscribe transport the deputy needs,
// without implementing the wire codec or the actual network transport: both
// are out of scope for this module and are supplied by whatever collaborator
// wires a Bus into the deputy shell (an LCM, NATS, or MQTT client, say).
package bus

// Subscription is a live subscription returned by Subscribe. Cancel stops
// delivery; it never blocks and is safe to call more than once.
type Subscription interface {
	Cancel()
}

// Handler is invoked with the raw payload of every message received on a
// subscribed topic. It must not block: the bus may run handlers one after
// another on a single delivery path (inmem runs them on the publisher's
// goroutine), so a slow handler holds up delivery to every subscriber.
type Handler func(payload []byte)

// Bus is the publish/subscribe transport the deputy depends on. A Bus
// implementation owns its own connection lifecycle; Close releases any
// underlying resources.
type Bus interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, h Handler) (Subscription, error)
	Close() error
}
