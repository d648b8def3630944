// Package mqttpub publishes RTC readings to an MQTT broker.
package mqttpub

import (
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Layout formats readings. The RTC has no time zone, so neither does the payload.
const Layout = "2006-01-02T15:04:05"

// DefaultTimeout bounds connecting and each publish.
const DefaultTimeout = 5 * time.Second

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("mqttpub: timed out")

// Client is the part of mqtt.Client used by a Publisher.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Config struct {
	Broker   string // e.g. tcp://localhost:1883
	Topic    string
	ClientID string
	Timeout  time.Duration
}

// Publisher sends each reading as a retained QoS 1 message, so new subscribers see the latest
// time straight away.
type Publisher struct {
	client     Client
	topic      string
	timeout    time.Duration
	disconnect func()
}

// Dial connects to the broker.
func Dial(c Config) (*Publisher, error) {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	opts := mqtt.NewClientOptions().
		AddBroker(c.Broker).
		SetClientID(c.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(c.Timeout)
	cl := mqtt.NewClient(opts)
	if err := wait(cl.Connect(), c.Timeout); err != nil {
		return nil, fmt.Errorf("mqttpub: connect %s: %w", c.Broker, err)
	}
	p := New(cl, c.Topic)
	p.timeout = c.Timeout
	p.disconnect = func() { cl.Disconnect(250) }
	return p, nil
}

// New returns a publisher on an already connected client.
func New(c Client, topic string) *Publisher {
	return &Publisher{
		client:  c,
		topic:   topic,
		timeout: DefaultTimeout,
	}
}

// Publish sends t and waits for the broker to acknowledge it.
func (p *Publisher) Publish(t time.Time) error {
	if err := wait(p.client.Publish(p.topic, 1, true, t.Format(Layout)), p.timeout); err != nil {
		return fmt.Errorf("mqttpub: publish to %s: %w", p.topic, err)
	}
	return nil
}

// Handler returns a read callback for ds1307.Config.OnRead. It publishes every successful
// reading without waiting for the broker, and passes publish failures to onErr, which may be
// nil.
func (p *Publisher) Handler(onErr func(error)) func(time.Time, error) {
	return func(t time.Time, err error) {
		if err != nil {
			return
		}
		tok := p.client.Publish(p.topic, 1, true, t.Format(Layout))
		go func() {
			if err := wait(tok, p.timeout); err != nil && onErr != nil {
				onErr(fmt.Errorf("mqttpub: publish to %s: %w", p.topic, err))
			}
		}()
	}
}

// Close disconnects a publisher created by Dial.
func (p *Publisher) Close() {
	if p.disconnect != nil {
		p.disconnect()
	}
}

func wait(tok mqtt.Token, timeout time.Duration) error {
	if !tok.WaitTimeout(timeout) {
		return ErrTimeout
	}
	return tok.Error()
}
