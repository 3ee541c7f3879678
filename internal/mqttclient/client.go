package mqttclient

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/jobs"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// publisher is the part of mqtt.Client the forwarder needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Client publishes engine events to an MQTT broker. Job and capture events
// are retained so a late subscriber sees the latest state per topic.
type Client struct {
	conn      mqtt.Client
	pub       publisher
	prefix    string
	connected atomic.Bool
	log       zerolog.Logger
}

type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Log         zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		prefix: strings.TrimSuffix(opts.TopicPrefix, "/"),
		log:    opts.Log.With().Str("component", "mqtt").Logger(),
	}
	if c.prefix == "" {
		c.prefix = "meeting-notes"
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5*time.Second).
		SetOrderMatters(false).
		SetWill(c.prefix+"/status", "offline", 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	c.pub = c.conn
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Str("prefix", c.prefix).Msg("mqtt connected")
	client.Publish(c.prefix+"/status", 1, true, "online")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Forward publishes every bus event until ctx is done.
func (c *Client) Forward(ctx context.Context, bus *jobs.EventBus) {
	ch, cancel := bus.Subscribe(jobs.EventFilter{})
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.publish(e)
		}
	}
}

func (c *Client) publish(e jobs.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		c.log.Error().Err(err).Str("event_id", e.ID).Msg("encode event")
		return
	}
	retained := e.Type == jobs.EventJob || e.Type == jobs.EventCapture
	tok := c.pub.Publish(TopicFor(c.prefix, e), 0, retained, payload)
	if tok.WaitTimeout(2*time.Second) && tok.Error() != nil {
		c.log.Warn().Err(tok.Error()).Str("event_id", e.ID).Msg("mqtt publish failed")
	}
}

// TopicFor maps an event onto <prefix>/<type>[/<kind>][/<key>].
func TopicFor(prefix string, e jobs.Event) string {
	parts := []string{prefix, e.Type}
	if e.Kind != "" {
		parts = append(parts, e.Kind)
	}
	if e.Key != "" {
		parts = append(parts, e.Key)
	}
	return strings.Join(parts, "/")
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	if c.connected.Load() {
		c.conn.Publish(c.prefix+"/status", 1, true, "offline").WaitTimeout(time.Second)
	}
	c.conn.Disconnect(1000)
}
