package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateFlags(t *testing.T) {
	tests := []struct {
		pt     PacketType
		flags  byte
		expect bool
	}{
		{CONNECT, 0x00, true},
		{CONNECT, 0x01, false},
		{PUBREL, 0x02, true},
		{PUBREL, 0x03, false},
		{PUBREL, 0x00, false},
		{SUBSCRIBE, 0x02, true},
		{SUBSCRIBE, 0x00, false},
		{PUBLISH, 0x0F, true},
		{PacketType(0), 0x00, false},
		{PacketType(15), 0x00, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expect, ValidateFlags(tt.pt, tt.flags),
			"type=%X flags=%04b", tt.pt, tt.flags)
	}
}

func TestPacketTypeString(t *testing.T) {
	assert.Equal(t, "PUBLISH", PUBLISH.String())
	assert.Equal(t, "UNKNOWN", PacketType(0).String())
}

func TestReasonCode(t *testing.T) {
	assert.False(t, ReasonDisconnectWithWill.IsError())
	assert.True(t, ReasonSessionTakenOver.IsError())
	assert.Equal(t, QoS1, MinQoS(QoS2, QoS1))
	assert.False(t, QoS(3).Valid())
}
