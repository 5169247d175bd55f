package mqttconverter

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// --- Paho fakes ---

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{err: err, done: done}
}

func (t *fakeToken) Wait() bool { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool { return false }
func (m fakeMessage) Qos() byte { return 1 }
func (m fakeMessage) Retained() bool { return false }
func (m fakeMessage) Topic() string { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte { return m.payload }
func (m fakeMessage) Ack() {}

// fakeClient stands in for a paho client. Connect and the simulate helpers
// invoke the registered handlers the way paho does after a (re)connect.
type fakeClient struct {
	mu           sync.Mutex
	opts         *mqtt.ClientOptions
	connected    bool
	connectErr   error
	subscribeErr error
	subscribed   []string
	unsubscribed []string
	disconnects  int
	handler      mqtt.MessageHandler
}

func newFakeClient() *fakeClient {
	return &fakeClient{}
}

// factory returns a constructor to install as newClient.
func (c *fakeClient) factory() func(*mqtt.ClientOptions) mqtt.Client {
	return func(opts *mqtt.ClientOptions) mqtt.Client {
		c.mu.Lock()
		c.opts = opts
		c.mu.Unlock()
		return c
	}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	if c.connectErr != nil {
		err := c.connectErr
		c.mu.Unlock()
		return newFakeToken(err)
	}
	c.connected = true
	onConnect := c.opts.OnConnect
	c.mu.Unlock()

	if onConnect != nil {
		onConnect(c)
	}
	return newFakeToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

func (c *fakeClient) Publish(string, byte, bool, interface{}) mqtt.Token {
	return newFakeToken(nil)
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return newFakeToken(c.subscribeErr)
	}
	c.subscribed = append(c.subscribed, topic)
	c.handler = callback
	return newFakeToken(nil)
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic, qos := range filters {
		c.Subscribe(topic, qos, callback)
	}
	return newFakeToken(nil)
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	return newFakeToken(nil)
}

func (c *fakeClient) AddRoute(string, mqtt.MessageHandler) {}

// OptionsReader has no exported constructor; tests read c.opts instead.
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// deliver hands a message to the subscribed handler, as paho's router does.
func (c *fakeClient) deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(c, fakeMessage{topic: topic, payload: payload})
	return true
}

func (c *fakeClient) simulateConnectionLost(err error) {
	c.mu.Lock()
	c.connected = false
	lost := c.opts.OnConnectionLost
	c.mu.Unlock()
	lost(c, err)
}

func (c *fakeClient) simulateReconnect() {
	c.mu.Lock()
	c.connected = true
	onConnect := c.opts.OnConnect
	c.mu.Unlock()
	onConnect(c)
}

func (c *fakeClient) created() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts != nil
}

func (c *fakeClient) subscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribed)
}

func (c *fakeClient) unsubscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.unsubscribed)
}

func (c *fakeClient) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}
