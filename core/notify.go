package core

import "context"

// Notification is pushed to subscribers when a tracked swap changes state.
type Notification struct {
	SwapID  string      `json:"swap_id"`
	TrackID string      `json:"track_id,omitempty"`
	Status  TrackStatus `json:"status"`
	TxHash  string      `json:"txHash,omitempty"`
	Final   bool        `json:"final"`
}

// SwapTopic is the bus topic for a tracked entity.
func SwapTopic(entityID string) string {
	return "swap:" + entityID
}

// NotificationBus is a best-effort, at-most-once signalling layer. Publish
// never waits for subscribers and drops the message when nobody listens.
// Subscribe yields messages until ctx is cancelled, then closes the channel.
type NotificationBus interface {
	Publish(ctx context.Context, topic string, n Notification) error
	Subscribe(ctx context.Context, topic string) (<-chan Notification, error)
	Close() error
}

// StatusReport is what an external status source answered.
type StatusReport struct {
	Status string
	TxHash string
}

// StatusSource fetches the current state of an external operation.
type StatusSource interface {
	Fetch(ctx context.Context, reference string) (StatusReport, error)
}
