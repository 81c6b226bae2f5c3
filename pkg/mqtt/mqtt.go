// Package mqtt mirrors poller snapshots onto an MQTT broker and accepts
// charger commands back, so home automation systems can react to charger and
// price changes without polling the HTTP API.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aneobridge/aneobridge/pkg/aneo"
	"github.com/aneobridge/aneobridge/pkg/common"
	"github.com/aneobridge/aneobridge/pkg/log"
	"github.com/aneobridge/aneobridge/pkg/types"
	paho "github.com/eclipse/paho.mqtt.golang"
)

// ChargerSource provides the latest known charger snapshot, normally the
// charger poller.
type ChargerSource interface {
	Charger(chargerID string) (types.Charger, bool)
}

const (
	defaultClientID    = "aneobridge"
	defaultTopicPrefix = "aneobridge"

	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	commandTimeout = 30 * time.Second

	availabilityOnline  = "online"
	availabilityOffline = "offline"

	// vendor prices are NOK per kWh
	priceCurrency = "NOK/kWh"

	// all bridge traffic is at-least-once, retained state messages make the
	// last snapshot available to late subscribers
	qosAtLeastOnce = 1
)

// Payloads accepted on the command and cable-lock topics.
const (
	CommandStart  = "start"
	CommandStop   = "stop"
	CommandLock   = "lock"
	CommandUnlock = "unlock"
)

// Bridge publishes charger and price snapshots as retained MQTT messages and
// subscribes for charger commands. A Bridge with no broker configured is
// disabled and every method is a no-op, so callers never need to check.
type Bridge struct {
	api      aneo.API
	chargers ChargerSource

	broker   string
	username string
	password string
	clientID string
	prefix   string

	client paho.Client
	ctx    context.Context
}

// Enabled reports whether a broker address was configured.
func (b *Bridge) Enabled() bool {
	return b.broker != ""
}

// Connect establishes the broker session, announces the bridge online and
// subscribes for charger commands. The broker keeps a will that flips
// availability to offline if the bridge dies without a clean Close.
func (b *Bridge) Connect(ctx context.Context) error {
	if !b.Enabled() {
		return nil
	}
	ctx = log.Component(ctx, "mqtt")
	b.ctx = ctx

	opts := paho.NewClientOptions()
	opts.AddBroker(b.broker)
	opts.SetClientID(b.clientID)
	if b.username != "" {
		opts.SetUsername(b.username)
		opts.SetPassword(b.password)
	}
	opts.SetWill(b.availabilityTopic(), availabilityOffline, qosAtLeastOnce, true)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)

	b.client = paho.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.New("timed out connecting to mqtt broker")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "connected to mqtt broker",
		slog.String("broker", b.broker),
		slog.String("prefix", b.prefix),
	)
	return nil
}

// Close announces the bridge offline and disconnects. The will only covers
// unclean exits, a normal shutdown must not rely on it.
func (b *Bridge) Close() {
	if b.client == nil {
		return
	}
	b.publish(b.ctx, b.availabilityTopic(), availabilityOffline)
	b.client.Disconnect(250)
}

// PublishChargers pushes one retained state message per charger. Wire it to
// the charger poller's update callback.
func (b *Bridge) PublishChargers(chargers map[string]types.Charger) {
	if b.client == nil {
		return
	}
	for id, charger := range chargers {
		body, _ := json.Marshal(newChargerPayload(charger))
		b.publish(b.ctx, b.chargerStateTopic(id), body)
	}
}

// PublishPrices pushes the full price schedule as one retained message.
func (b *Bridge) PublishPrices(prices types.PriceData) {
	if b.client == nil {
		return
	}
	body, _ := json.Marshal(pricesPayload{PriceData: prices, Currency: priceCurrency})
	b.publish(b.ctx, b.pricesTopic(), body)
}

// subscriptions happen on the connect handler so they survive reconnects
func (b *Bridge) onConnect(client paho.Client) {
	ctx := b.ctx
	b.publish(ctx, b.availabilityTopic(), availabilityOnline)

	b.subscribe(ctx, client, b.commandTopicFilter(), b.onCommandMessage)
	b.subscribe(ctx, client, b.cableLockTopicFilter(), b.onCableLockMessage)
}

func (b *Bridge) subscribe(ctx context.Context, client paho.Client, filter string, handler paho.MessageHandler) {
	token := client.Subscribe(filter, qosAtLeastOnce, handler)
	if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to subscribe",
			slog.String("filter", filter),
			slog.Any("error", token.Error()),
		)
		return
	}
	log.Ctx(ctx).DebugContext(ctx, "subscribed", slog.String("filter", filter))
}

func (b *Bridge) onConnectionLost(_ paho.Client, err error) {
	ctx := b.ctx
	log.Ctx(ctx).WarnContext(ctx, "mqtt connection lost, reconnecting", slog.Any("error", err))
}

// paho delivers messages on its router goroutine, handlers must not block it

func (b *Bridge) onCommandMessage(_ paho.Client, msg paho.Message) {
	go b.handleTransaction(b.ctx, msg.Topic(), msg.Payload())
}

func (b *Bridge) onCableLockMessage(_ paho.Client, msg paho.Message) {
	go b.handleCableLock(b.ctx, msg.Topic(), msg.Payload())
}

// handleTransaction executes a start or stop command. Both need the
// subscription the charger belongs to, which comes from the poller's last
// snapshot, so commands fail until the first charger poll succeeded.
func (b *Bridge) handleTransaction(ctx context.Context, topic string, payload []byte) {
	id := b.chargerIDFromTopic(topic, "/command")
	if id == "" {
		log.Ctx(ctx).WarnContext(ctx, "ignoring message on unexpected topic",
			slog.String("topic", topic),
		)
		return
	}
	cmd := normalizeCommand(payload)

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	charger, ok := b.chargers.Charger(id)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "command for unknown charger",
			slog.String("command", cmd),
			slog.String("chargerID", common.Redact(id)),
		)
		return
	}

	var err error
	switch cmd {
	case CommandStart:
		_, err = b.api.StartCharging(ctx, id, charger.Subscription.ID)
	case CommandStop:
		_, err = b.api.StopCharging(ctx, id, charger.Subscription.ID)
	default:
		log.Ctx(ctx).WarnContext(ctx, "unknown charger command",
			slog.String("command", cmd),
			slog.String("chargerID", common.Redact(id)),
		)
		return
	}
	b.logCommandResult(ctx, cmd, id, err)
}

// handleCableLock executes a lock or unlock command. Cable lock does not
// need a subscription id so unknown chargers are passed through.
func (b *Bridge) handleCableLock(ctx context.Context, topic string, payload []byte) {
	id := b.chargerIDFromTopic(topic, "/cable-lock")
	if id == "" {
		log.Ctx(ctx).WarnContext(ctx, "ignoring message on unexpected topic",
			slog.String("topic", topic),
		)
		return
	}
	cmd := normalizeCommand(payload)

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var err error
	switch cmd {
	case CommandLock:
		_, err = b.api.SetCableLock(ctx, id, true)
	case CommandUnlock:
		_, err = b.api.SetCableLock(ctx, id, false)
	default:
		log.Ctx(ctx).WarnContext(ctx, "unknown cable lock command",
			slog.String("command", cmd),
			slog.String("chargerID", common.Redact(id)),
		)
		return
	}
	b.logCommandResult(ctx, cmd, id, err)
}

func (b *Bridge) logCommandResult(ctx context.Context, cmd, id string, err error) {
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "charger command failed",
			slog.String("command", cmd),
			slog.String("chargerID", common.Redact(id)),
			slog.Any("error", err),
		)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "charger command executed",
		slog.String("command", cmd),
		slog.String("chargerID", common.Redact(id)),
	)
}

func normalizeCommand(payload []byte) string {
	return strings.ToLower(strings.TrimSpace(string(payload)))
}

func (b *Bridge) publish(ctx context.Context, topic string, payload interface{}) {
	token := b.client.Publish(topic, qosAtLeastOnce, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		log.Ctx(ctx).WarnContext(ctx, "timed out publishing", slog.String("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to publish", slog.String("topic", topic), slog.Any("error", err))
	}
}

func (b *Bridge) availabilityTopic() string {
	return b.prefix + "/availability"
}

func (b *Bridge) pricesTopic() string {
	return b.prefix + "/prices"
}

func (b *Bridge) chargerStateTopic(chargerID string) string {
	return b.prefix + "/charger/" + chargerID + "/state"
}

func (b *Bridge) commandTopicFilter() string {
	return b.prefix + "/charger/+/command"
}

func (b *Bridge) cableLockTopicFilter() string {
	return b.prefix + "/charger/+/cable-lock"
}

// chargerIDFromTopic extracts the charger id from a topic ending in the
// given suffix, empty when the topic does not match the layout.
func (b *Bridge) chargerIDFromTopic(topic, suffix string) string {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/charger/")
	if !ok {
		return ""
	}
	id, ok := strings.CutSuffix(rest, suffix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return ""
	}
	return id
}

// Internal Structs

type chargerPayload struct {
	Name          string `json:"name"`
	SocketStatus  string `json:"socketStatus,omitempty"`
	ChargeStatus  string `json:"chargeStatus"`
	Charging      bool   `json:"charging"`
	CarConnected  bool   `json:"carConnected"`
	SessionActive bool   `json:"sessionActive"`
	CableLockOpen bool   `json:"cableLockOpen"`
}

func newChargerPayload(c types.Charger) chargerPayload {
	status, _ := c.State.SocketStatus()
	return chargerPayload{
		Name:          c.Name(),
		SocketStatus:  status,
		ChargeStatus:  c.State.ChargeStatus(),
		Charging:      c.State.Charging(),
		CarConnected:  c.State.CarConnected(),
		SessionActive: c.State.SessionActive(),
		CableLockOpen: c.State.CableLockOpen(),
	}
}

type pricesPayload struct {
	types.PriceData
	Currency string `json:"currency"`
}
