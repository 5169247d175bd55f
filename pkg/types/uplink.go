package types

import "encoding/json"

// UplinkEvent is the subset of a ChirpStack "event/up" JSON document that the
// bridge reads. The device codec installed on the network server populates
// Object; without a codec the field is absent.
type UplinkEvent struct {
	DeduplicationID string          `json:"deduplicationId,omitempty"`
	Time            string          `json:"time"`
	DeviceInfo      *DeviceInfo     `json:"deviceInfo"`
	FPort           int             `json:"fPort,omitempty"`
	Object          json.RawMessage `json:"object"`
}

// DeviceInfo describes the device that sent an uplink.
type DeviceInfo struct {
	TenantName      string            `json:"tenantName,omitempty"`
	ApplicationID   string            `json:"applicationId,omitempty"`
	ApplicationName string            `json:"applicationName,omitempty"`
	DeviceName      string            `json:"deviceName,omitempty"`
	DevEUI          string            `json:"devEui"`
	Tags            map[string]string `json:"tags,omitempty"`
}
