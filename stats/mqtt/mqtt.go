/* Copyright 2019 Comcast Cable Communications Management, LLC
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 * http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package mqtt publishes frequency peaks to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bilym/rspamd/stats"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

var ErrTimeout = errors.New("mqtt operation timed out")

// Publisher is the part of an MQTT client a Notifier needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
}

// Message is what gets published for each peak.
type Message struct {
	ID string `json:"id"`
	stats.Peak
}

// Notifier is a stats.Notifier that publishes peaks as JSON.
type Notifier struct {
	Publisher Publisher
	Topic     string
	QoS       byte
}

func NewNotifier(p Publisher, topic string) *Notifier {
	return &Notifier{
		Publisher: p,
		Topic:     topic,
		QoS:       1,
	}
}

// Peak implements stats.Notifier.  The topic gets the symbol name
// appended.
func (n *Notifier) Peak(ctx context.Context, p stats.Peak) error {
	js, err := json.Marshal(&Message{
		ID:   uuid.NewString(),
		Peak: p,
	})
	if err != nil {
		return err
	}
	return n.Publisher.Publish(ctx, n.Topic+"/"+p.Symbol, n.QoS, js)
}

// Client is a Publisher using a paho client.
type Client struct {
	Client mqtt.Client

	// Timeout bounds each operation when the context has no
	// deadline.
	Timeout time.Duration

	// Quiesce is the disconnection quiescence in milliseconds.
	Quiesce uint
}

// Dial connects to the broker.
func Dial(ctx context.Context, broker, clientID string) (*Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetAutoReconnect(true)
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		slog.WarnContext(ctx, "MQTT connection lost", "broker", broker, "error", err)
	}

	c := &Client{
		Client:  mqtt.NewClient(opts),
		Timeout: 5 * time.Second,
		Quiesce: 100,
	}
	slog.InfoContext(ctx, "connecting to broker", "broker", broker)
	if err := c.wait(ctx, c.Client.Connect()); err != nil {
		return nil, fmt.Errorf("connect %s: %w", broker, err)
	}
	return c, nil
}

func (c *Client) wait(ctx context.Context, t mqtt.Token) error {
	d := c.Timeout
	if dl, have := ctx.Deadline(); have {
		d = time.Until(dl)
	}
	if !t.WaitTimeout(d) {
		return ErrTimeout
	}
	return t.Error()
}

// Publish implements Publisher.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	return c.wait(ctx, c.Client.Publish(topic, qos, false, payload))
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	c.Client.Disconnect(c.Quiesce)
	return nil
}
