package tele

import "time"

const (
	defaultNetworkTimeout = 30 * time.Second
	DefaultTopicPrefix    = "smartmeter"
)

type Config struct {
	LogDebug          bool   `hcl:"log_debug"`
	MqttBroker        string `hcl:"mqtt_broker"`
	MqttClientId      string `hcl:"mqtt_client_id"`
	MqttUsername      string `hcl:"mqtt_username"`
	MqttPassword      string `hcl:"mqtt_password"` // secret
	MqttLogDebug      bool   `hcl:"mqtt_log_debug"`
	TlsCaFile         string `hcl:"tls_ca_file"`
	TopicPrefix       string `hcl:"topic_prefix"`
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
}
