package packet

import (
	"fmt"

	"github.com/life-stream-dev/mqtt-session-core/internal/mqtt"
)

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", mqtt.ErrMalformed, fmt.Sprintf(format, args...))
}

// readPacketID reads a non-zero packet identifier.
func readPacketID(payload *mqtt.Payload) (uint16, error) {
	id, err := payload.ReadUint16()
	if err != nil {
		return 0, fmt.Errorf("error occured when reading packet ID: %w", err)
	}
	if id == 0 {
		return 0, malformed("packet ID must not be 0")
	}
	return id, nil
}

// readOptionalProperties parses the property block of v5 packets and is a no-op
// for v3.1.1.
func readOptionalProperties(payload *mqtt.Payload, version mqtt.ProtocolVersion) (*Properties, error) {
	if version != mqtt.Version5 {
		return &Properties{}, nil
	}
	return readProperties(payload)
}
