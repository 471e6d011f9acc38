// Package tele is MQTT side of sensorcast: gateway publisher and
// beacon advertiser for IP connected nodes.
package tele

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/helpers"
	"github.com/sensorcast/sensorcast/log2"
	"github.com/temoto/alive/v2"
)

var mqttLogOnce sync.Once

// Stat is updated on every publish, read with Transport.Stat().
type Stat struct {
	sync.Mutex
	Published uint32
	Failed    uint32
}

type Transport struct {
	log     *log2.Log
	m       mqtt.Client
	mopt    *mqtt.ClientOptions
	alive   *alive.Alive
	prefix  string
	timeout time.Duration
	stat    Stat
}

func NewTransport(ctx context.Context, c Config, log *log2.Log) (*Transport, error) {
	if c.MqttBroker == "" {
		return nil, errors.NotValidf("tele mqtt_broker empty")
	}
	self := &Transport{
		log:    log,
		alive:  alive.NewAlive(),
		prefix: c.TopicPrefix,
	}
	if self.prefix == "" {
		self.prefix = DefaultTopicPrefix
	}
	mqttLogOnce.Do(func() {
		// paho loggers are package globals
		mqttLog := log.Clone(log2.LDebug)
		mqtt.CRITICAL = mqttLog
		mqtt.ERROR = mqttLog
		mqtt.WARN = mqttLog
		if c.MqttLogDebug {
			mqtt.DEBUG = mqttLog
		}
	})

	clientId := c.MqttClientId
	if clientId == "" {
		clientId = "sensorcast"
	}
	networkTimeout := helpers.IntSecondDefault(c.NetworkTimeoutSec, defaultNetworkTimeout)
	if networkTimeout < 1*time.Second {
		networkTimeout = 1 * time.Second
	}
	self.timeout = networkTimeout
	connectTimeout := networkTimeout * 3
	keepaliveTimeout := helpers.IntSecondDefault(c.KeepaliveSec, networkTimeout/2)

	tlsconf := new(tls.Config)
	if c.TlsCaFile != "" {
		cabytes, err := ioutil.ReadFile(c.TlsCaFile)
		if err != nil {
			return nil, errors.Annotate(err, "tele tls_ca_file")
		}
		tlsconf.RootCAs = x509.NewCertPool()
		if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
			return nil, errors.NotValidf("tele tls_ca_file=%s no certificates", c.TlsCaFile)
		}
	}
	self.mopt = mqtt.NewClientOptions().
		AddBroker(c.MqttBroker).
		SetAutoReconnect(true).
		SetCleanSession(false).
		SetClientID(clientId).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepaliveTimeout).
		SetMaxReconnectInterval(connectTimeout).
		SetOrderMatters(false).
		SetPingTimeout(networkTimeout).
		SetTLSConfig(tlsconf).
		SetWriteTimeout(networkTimeout)
	if c.MqttUsername != "" {
		self.mopt.SetUsername(c.MqttUsername).SetPassword(c.MqttPassword)
	}

	if mock, ok := ctx.Value(mqttMockContextKey).(*MqttMock); ok {
		mock.MockNew(self.mopt)
		self.m = mock
	} else {
		self.m = mqtt.NewClient(self.mopt)
	}
	go self.online()
	return self, nil
}

func (self *Transport) Topic(suffix string) string {
	return fmt.Sprintf("%s/%s", self.prefix, suffix)
}

func (self *Transport) Publish(topic string, qos byte, retain bool, payload []byte) error {
	t := self.m.Publish(topic, qos, retain, payload)
	err := self.tokenWait(t, "publish "+topic)
	self.stat.Lock()
	if err == nil {
		self.stat.Published++
	} else {
		self.stat.Failed++
	}
	self.stat.Unlock()
	return err
}

func (self *Transport) Stat() (published, failed uint32) {
	self.stat.Lock()
	defer self.stat.Unlock()
	return self.stat.Published, self.stat.Failed
}

func (self *Transport) Connected() bool { return self.m.IsConnected() }

func (self *Transport) Close() {
	self.alive.Stop()
	self.alive.Wait()
	self.m.Disconnect(uint(self.timeout / time.Millisecond))
}

func (self *Transport) online() {
	if !self.alive.Add(1) {
		return
	}
	defer self.alive.Done()
	for self.alive.IsRunning() && !self.m.IsConnected() {
		self.log.Debugf("tele connect before")
		t := self.m.Connect()
		if self.tokenWait(t, "connect") == nil {
			self.log.Infof("tele connected")
			return
		}
		select {
		case <-self.alive.StopChan():
		case <-time.After(1 * time.Second):
		}
	}
}

func (self *Transport) tokenWait(t mqtt.Token, tag string) error {
	if !t.WaitTimeout(self.timeout) {
		err := errors.Timeoutf("%s", tag)
		self.log.Errorf("tele: MQTT %s", err.Error())
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotate(err, tag)
		self.log.Errorf("tele: MQTT %s", err.Error())
		return err
	}
	return nil
}
