package loadgen

import (
	"context"
)

// PayloadGenerator creates the uplink body for one publish. It is passed the
// device so that device-specific fields (EUI, application) can be included.
type PayloadGenerator interface {
	GeneratePayload(device *Device) ([]byte, error)
}

// Client publishes simulated uplinks.
type Client interface {
	Connect() error
	Disconnect()
	// Publish generates the device's payload and sends it. It reports
	// whether the message was accepted by the transport.
	Publish(ctx context.Context, device *Device) (bool, error)
}
