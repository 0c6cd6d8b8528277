package lodestar

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// RowPublisher streams finished rows to live listeners. Implementations must
// not block the acquisition loop for long.
type RowPublisher interface {
	PublishRow(Row)
	Close()
}

// MQTTRowPublisher publishes one compact JSON document per row, for
// dashboards and quick looks at a running acquisition. It is not a
// persistence path: QoS 0, nothing retained.
type MQTTRowPublisher struct {
	client mqtt.Client
	topic  string
}

// rowDocument is the JSON shape sent to the broker.
type rowDocument struct {
	TimeS float64 `json:"t_s"`
	Raw   []int32 `json:"raw"`
	OK    []bool  `json:"ok"`
}

// NewMQTTRowPublisher connects to the broker and returns a publisher for the
// given topic.
func NewMQTTRowPublisher(brokerURL, clientID, topic string) (*MQTTRowPublisher, error) {
	opts := mqtt.NewClientOptions().AddBroker(brokerURL).SetClientID(clientID)
	opts.SetConnectTimeout(5 * time.Second)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", brokerURL, token.Error())
	}
	return &MQTTRowPublisher{client: client, topic: topic}, nil
}

// PublishRow sends one row. Failures are logged, never fatal: a missing
// dashboard must not stop an acquisition.
func (p *MQTTRowPublisher) PublishRow(row Row) {
	doc := rowDocument{
		TimeS: row.T.Seconds(),
		Raw:   make([]int32, len(row.Readings)),
		OK:    make([]bool, len(row.Readings)),
	}
	for i, r := range row.Readings {
		doc.Raw[i] = r.Raw
		doc.OK[i] = r.Err == nil
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		ProblemLogger.Printf("marshal row for MQTT: %v", err)
		return
	}
	if token := p.client.Publish(p.topic, 0, false, payload); token.Wait() && token.Error() != nil {
		ProblemLogger.Printf("publish row to MQTT: %v", token.Error())
	}
}

// Close disconnects from the broker, allowing a moment for in-flight
// messages to drain.
func (p *MQTTRowPublisher) Close() {
	p.client.Disconnect(250)
}
