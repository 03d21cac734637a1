package packet

import "github.com/life-stream-dev/mqtt-session-core/internal/mqtt"

func NewPingRespPacket() []byte {
	return mqtt.Encode(mqtt.PINGRESP, 0, nil)
}
