package mqtt

// Publisher is the narrow surface components publish through.
// Bridges, the GPIO feedback path and the WebSocket bus all depend on this
// interface rather than the concrete client, which enables mocking in tests.
type Publisher interface {
	Publish(topic string, qos byte, retain bool, payload []byte) error
	PublishString(topic string, qos byte, retain bool, payload string) error
	IsConnected() bool
	Enabled() bool
	DefaultQoS() byte
}

// Compile-time verification that Client implements Publisher
var _ Publisher = (*Client)(nil)
