// Package publish forwards the live capture stream to an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"canscope/config"
	"canscope/events"
	"canscope/export"

	MQTT "github.com/eclipse/paho.mqtt.golang"
)

const (
	hubBuffer      = 1024
	publishTimeout = time.Second
)

// Publisher is the part of MQTT.Client the bridge needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token
}

type framePayload struct {
	Session  string `json:"session"`
	Seq      uint64 `json:"s"`
	Time     uint64 `json:"t"`
	ID       uint32 `json:"id"`
	Extended bool   `json:"ext"`
	Remote   bool   `json:"rtr"`
	DLC      uint8  `json:"dlc"`
	Data     string `json:"data"`
}

type markPayload struct {
	Session string `json:"session"`
	Seq     uint64 `json:"s"`
	Time    uint64 `json:"t"`
	Mark    string `json:"mark"`
}

type sessionPayload struct {
	Session string `json:"session"`
	Rate    uint32 `json:"rate"`
	Baud    string `json:"baud"`
}

// Connect starts a paho client that keeps reconnecting in the background.
func Connect(flags *config.MQTTFlags) MQTT.Client {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(flags.Broker)
	opts.SetClientID(flags.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		log.Printf("mqtt connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(MQTT.Client) {
		log.Printf("mqtt connected to %s", flags.Broker)
	})

	client := MQTT.NewClient(opts)
	go func() {
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.Printf("mqtt initial connection failed: %v (retrying)", token.Error())
		}
	}()
	return client
}

type Bridge struct {
	client Publisher
	prefix string
}

func NewBridge(client Publisher, prefix string) *Bridge {
	return &Bridge{client: client, prefix: strings.TrimSuffix(prefix, "/")}
}

// Run publishes hub events until ctx is done. Events the hub drops while the broker is slow are
// visible to consumers as gaps in the sequence numbers.
func (b *Bridge) Run(ctx context.Context, hub *events.EventHub) {
	_, ch, cancel := hub.Subscribe(hubBuffer)
	defer cancel()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := b.Publish(event); err != nil {
				failures++
				if failures%100 == 1 {
					log.Printf("mqtt publish failed (%d so far): %v", failures, err)
				}
			}
		}
	}
}

// Publish sends one event: frames to <prefix>/frame/<id>, marks to <prefix>/mark, and session
// changes retained on <prefix>/session.
func (b *Bridge) Publish(event *events.Event) error {
	topic, payload, retained, err := b.encode(event)
	if err != nil {
		return err
	}
	token := b.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

func (b *Bridge) encode(event *events.Event) (string, []byte, bool, error) {
	var (
		topic    string
		body     any
		retained bool
	)

	switch {
	case event.Type == events.LiveReset:
		topic = b.prefix + "/session"
		body = sessionPayload{Session: event.Session, Rate: uint32(event.Rate), Baud: event.Rate.String()}
		retained = true
	case event.Entry.IsAnnotation():
		topic = b.prefix + "/mark"
		body = markPayload{Session: event.Session, Seq: event.Entry.Sequence, Time: event.Entry.TimestampMs, Mark: event.Entry.Text}
	default:
		f := event.Entry.Frame
		topic = fmt.Sprintf("%s/frame/%s", b.prefix, strings.TrimPrefix(export.FormatID(f.ID, f.IsExtended), "0x"))
		body = framePayload{
			Session:  event.Session,
			Seq:      event.Entry.Sequence,
			Time:     event.Entry.TimestampMs,
			ID:       f.ID,
			Extended: f.IsExtended,
			Remote:   f.IsRemote,
			DLC:      f.Length,
			Data:     export.FormatPayload(f.Data[:min(int(f.Length), 8)]),
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", nil, false, fmt.Errorf("encode %s: %w", topic, err)
	}
	return topic, payload, retained, nil
}
