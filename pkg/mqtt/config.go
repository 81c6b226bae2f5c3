package mqtt

import (
	"strings"

	"github.com/aneobridge/aneobridge/pkg/aneo"
	"github.com/levenlabs/go-lflag"
)

// Configured sets up the MQTT bridge based on flags. Leaving the broker
// address empty disables the bridge.
func Configured(api aneo.API, chargers ChargerSource) *Bridge {
	broker := lflag.String("mqtt-broker", "", "Address of the MQTT broker (e.g. tcp://localhost:1883), empty disables MQTT")
	username := lflag.String("mqtt-username", "", "Username to authenticate to the MQTT broker with")
	password := lflag.String("mqtt-password", "", "Password to authenticate to the MQTT broker with")
	clientID := lflag.String("mqtt-client-id", defaultClientID, "Client id to connect to the MQTT broker with")
	prefix := lflag.String("mqtt-topic-prefix", defaultTopicPrefix, "Prefix for every topic the bridge publishes and subscribes to")

	b := &Bridge{
		api:      api,
		chargers: chargers,
	}
	lflag.Do(func() {
		b.broker = *broker
		b.username = *username
		b.password = *password
		b.clientID = *clientID
		b.prefix = strings.TrimSuffix(*prefix, "/")
		if b.Enabled() && b.prefix == "" {
			panic("mqtt-topic-prefix cannot be empty")
		}
	})
	return b
}
