package broker

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/seaborne/multisense/internal/device"
)

// pahoClient adapts the Eclipse Paho client to the Client seam. The
// manager owns reconnection, so the underlying client's automatic
// reconnect and retry machinery is switched off.
type pahoClient struct {
	c mqtt.Client
}

// NewPahoClient builds an MQTT client for the stored device record.
// The will message marks the node offline on ungraceful disconnects.
func NewPahoClient(dev *device.Configuration, keepAlive time.Duration) Client {
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + dev.BrokerAddr()).
		SetClientID(dev.DeviceID).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(keepAlive).
		SetWill(AvailabilityTopic(dev.PublishTopic), "offline", 0, true)
	if dev.BrokerUsername != "" {
		opts.SetUsername(dev.BrokerUsername)
		opts.SetPassword(dev.BrokerPassword)
	}
	return &pahoClient{c: mqtt.NewClient(opts)}
}

func (p *pahoClient) Connect() Token {
	return p.c.Connect()
}

func (p *pahoClient) Publish(topic string, qos byte, retained bool, payload []byte) Token {
	return p.c.Publish(topic, qos, retained, payload)
}

func (p *pahoClient) IsConnectionOpen() bool {
	return p.c.IsConnectionOpen()
}

func (p *pahoClient) Disconnect(quiesceMS uint) {
	p.c.Disconnect(quiesceMS)
}
