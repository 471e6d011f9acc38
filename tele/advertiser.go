package tele

import (
	"sync"

	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/internal/beacon"
)

// Advertiser is beacon over MQTT: payload is retained message,
// Stop clears it with empty retained message.
type Advertiser struct {
	t       *Transport
	topic   string
	mu      sync.Mutex
	payload []byte
	running bool
}

var _ beacon.Advertiser = &Advertiser{}

func NewAdvertiser(t *Transport, topicSuffix string) *Advertiser {
	if topicSuffix == "" {
		topicSuffix = "beacon"
	}
	return &Advertiser{t: t, topic: t.Topic(topicSuffix)}
}

func (self *Advertiser) SetPayload(b []byte) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.payload = append(self.payload[:0], b...)
	if self.running {
		return errors.Annotate(self.t.Publish(self.topic, 1, true, self.payload), "advertiser update")
	}
	return nil
}

func (self *Advertiser) Start() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.running {
		return beacon.ErrAlreadyAdvertising
	}
	if len(self.payload) == 0 {
		return errors.NotValidf("advertiser payload empty")
	}
	if err := self.t.Publish(self.topic, 1, true, self.payload); err != nil {
		return errors.Annotate(err, "advertiser start")
	}
	self.running = true
	return nil
}

func (self *Advertiser) Stop() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.running {
		return nil
	}
	if err := self.t.Publish(self.topic, 1, true, []byte{}); err != nil {
		return errors.Annotate(err, "advertiser stop")
	}
	self.running = false
	return nil
}
