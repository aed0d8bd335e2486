// Package relay provides per-user addressable inboxes on a publish/subscribe
// transport. It is a rendezvous mechanism, not a message queue: publishing is
// fire-and-forget, delivery happens only if the target currently holds a live
// subscription, and nothing is retried or stored.
package relay

// Envelope is one delivered message: the sender's user ID and an opaque
// payload. The relay never inspects Data.
type Envelope struct {
	From string `json:"from"`
	To   string `json:"to,omitempty"`
	Data []byte `json:"data"`
}

// Channel is the contract the call controller depends on.
//
// Publish delivers data to target's inbox if target is currently subscribed
// and drops it silently otherwise. Messages published to the same inbox are
// delivered in publish order; messages to different inboxes have no relative
// ordering.
//
// Subscribe opens the inbox for userID and returns the delivery stream plus
// a cancel func. The stream is closed when cancel is called or the channel
// shuts down.
type Channel interface {
	Publish(target string, data []byte) error
	Subscribe(userID string) (<-chan Envelope, func(), error)
}
