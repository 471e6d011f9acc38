package tele

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
)

// MqttMock is in-memory mqtt.Client, inject with ContextWithMqttMock.
type MqttMock struct {
	Opt *mqtt.ClientOptions
	Pub chan MockMsg

	mu        sync.Mutex
	published []MockMsg
	retained  map[string][]byte
	failSkip  int
	failNext  int
	failErr   error
	connected bool
}

func NewMqttMock() *MqttMock {
	return &MqttMock{
		Pub:      make(chan MockMsg, 32),
		retained: make(map[string][]byte),
	}
}

func (self *MqttMock) MockNew(opt *mqtt.ClientOptions) {
	self.mu.Lock()
	self.Opt = opt
	self.mu.Unlock()
}

// FailPublish makes next n publishes return err.
func (self *MqttMock) FailPublish(n int, err error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.failSkip, self.failNext, self.failErr = 0, n, err
}

// FailPublishAfter lets next ok publishes pass, then n return err.
func (self *MqttMock) FailPublishAfter(ok, n int, err error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.failSkip, self.failNext, self.failErr = ok, n, err
}

func (self *MqttMock) Published() []MockMsg {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]MockMsg(nil), self.published...)
}

// Retained returns current retained payload, ok=false if none or cleared.
func (self *MqttMock) Retained(topic string) ([]byte, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	b, ok := self.retained[topic]
	return b, ok
}

func (self *MqttMock) Disconnect(uint) {
	self.mu.Lock()
	self.connected = false
	self.mu.Unlock()
}
func (self *MqttMock) IsConnected() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.connected
}
func (self *MqttMock) IsConnectionOpen() bool { return self.IsConnected() }

func (self *MqttMock) Connect() mqtt.Token {
	self.mu.Lock()
	self.connected = true
	self.mu.Unlock()
	return mockToken{nil}
}

func (self *MqttMock) Publish(topic string, qos byte, retain bool, payload interface{}) mqtt.Token {
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = append([]byte(nil), p...)
	case string:
		b = []byte(p)
	default:
		return mockToken{errors.Errorf("unknown payload type %T", payload)}
	}

	self.mu.Lock()
	defer self.mu.Unlock()
	if self.failSkip > 0 {
		self.failSkip--
	} else if self.failNext > 0 {
		self.failNext--
		return mockToken{self.failErr}
	}
	msg := MockMsg{T: topic, P: b, Q: qos, R: retain}
	self.published = append(self.published, msg)
	if retain {
		if len(b) == 0 {
			delete(self.retained, topic)
		} else {
			self.retained[topic] = b
		}
	}
	select {
	case self.Pub <- msg:
	default:
	}
	return mockToken{nil}
}

func (self *MqttMock) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (self *MqttMock) AddRoute(string, mqtt.MessageHandler) { panic("not implemented") }
func (self *MqttMock) OptionsReader() mqtt.ClientOptionsReader {
	panic("not implemented")
}
func (self *MqttMock) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (self *MqttMock) Unsubscribe(...string) mqtt.Token { panic("not implemented") }

type mockToken struct{ error }

func (tok mockToken) Error() error                   { return tok.error }
func (tok mockToken) Wait() bool                     { return !errors.IsTimeout(tok.error) }
func (tok mockToken) WaitTimeout(time.Duration) bool { return !errors.IsTimeout(tok.error) }

type MockMsg struct {
	T string
	P []byte
	Q byte
	R bool
}

const mqttMockContextKey = "tele/mqtt-mock"

func ContextWithMqttMock(ctx context.Context, c *MqttMock) context.Context {
	return context.WithValue(ctx, mqttMockContextKey, c)
}
