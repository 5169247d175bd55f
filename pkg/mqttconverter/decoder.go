package mqttconverter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/lorawan-bridge/pkg/dedupe"
	"github.com/illmade-knight/lorawan-bridge/pkg/metrics"
	"github.com/illmade-knight/lorawan-bridge/pkg/typemap"
	"github.com/illmade-knight/lorawan-bridge/pkg/types"
	"github.com/rs/zerolog"
)

// DecodeFailed is returned by DecodeSensorPayload when the uplink as a whole
// could not be decoded and nothing was queued.
const DecodeFailed = -1

var (
	errNotHex       = errors.New("device EUI is not hexadecimal")
	errNotCoercible = errors.New("value cannot be coerced to a number")
)

// RecordPusher is the producer side of the harvester queue.
type RecordPusher interface {
	Push(ctx context.Context, records ...types.SensorRecord) (int, error)
}

// Range bounds accepted values for one sensor type, inclusive.
type Range struct {
	Min float64
	Max float64
}

// DecoderConfig holds the optional parts of the decode path. The zero value
// disables deduplication, range checks and metrics.
type DecoderConfig struct {
	Dedupe  dedupe.Filter
	Ranges  map[int]Range
	Metrics *metrics.Metrics
}

// Decoder turns uplink JSON into sensor records and queues them. It holds no
// mutable state of its own and is safe to call from paho's goroutines.
type Decoder struct {
	typeMap *typemap.TypeMap
	queue   RecordPusher
	dedupe  dedupe.Filter
	ranges  map[int]Range
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewDecoder creates a Decoder. typeMap and queue are required.
func NewDecoder(typeMap *typemap.TypeMap, queue RecordPusher, cfg DecoderConfig, logger zerolog.Logger) (*Decoder, error) {
	if typeMap == nil {
		return nil, errors.New("type map cannot be nil")
	}
	if queue == nil {
		return nil, errors.New("record queue cannot be nil")
	}
	if typeMap.Len() == 0 {
		logger.Warn().Msg("Type map is empty; every uplink will decode to zero records.")
	}
	return &Decoder{
		typeMap: typeMap,
		queue:   queue,
		dedupe:  cfg.Dedupe,
		ranges:  cfg.Ranges,
		metrics: cfg.Metrics,
		logger:  logger.With().Str("component", "UplinkDecoder").Logger(),
	}, nil
}

// Dispatch routes one MQTT message by topic. It returns the topic class and
// the number of records queued (DecodeFailed on a failed uplink decode).
func (d *Decoder) Dispatch(ctx context.Context, topic string, payload []byte) (TopicClass, int) {
	class := ClassifyTopic(topic)
	d.metrics.MessageReceived(class.String())
	d.logger.Debug().Str("topic", topic).Bytes("payload", payload).Msg("Dispatching MQTT message")

	switch class {
	case TopicGateway:
		d.DecodeGateway(topic, payload)
		return class, 0
	case TopicApplicationUplink:
		n := d.DecodeSensorPayload(ctx, payload)
		return class, n
	default:
		if strings.HasPrefix(topic, "application/") {
			d.logger.Info().Str("topic", topic).Msg("Unhandled application event, ignoring message")
		} else {
			d.logger.Info().Str("topic", topic).Msg("Unhandled topic, ignoring message")
		}
		return class, 0
	}
}

// DecodeGateway is a placeholder for gateway events, which the bridge does
// not ingest. It always reports failure.
func (d *Decoder) DecodeGateway(topic string, _ []byte) bool {
	d.logger.Info().Str("topic", topic).Msg("Gateway messages are unsupported, nothing to do")
	return false
}

// DecodeSensorPayload decodes a ChirpStack uplink event and queues one record
// per recognised key of its "object" field, in document order. It returns
// the number of records queued or DecodeFailed.
func (d *Decoder) DecodeSensorPayload(ctx context.Context, payload []byte) int {
	var event types.UplinkEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		d.fail("bad_json", err, "Malformed JSON in uplink payload, dropping message")
		return DecodeFailed
	}

	obj := bytes.TrimSpace(event.Object)
	if len(obj) == 0 || bytes.Equal(obj, []byte("null")) {
		d.fail("missing_object", nil,
			"No object key/value in the JSON payload, check that the device codec is installed in ChirpStack")
		return DecodeFailed
	}

	if event.DeviceInfo == nil || event.DeviceInfo.DevEUI == "" {
		d.fail("missing_dev_eui", nil, "Uplink has no deviceInfo.devEui, dropping message")
		return DecodeFailed
	}
	deviceID, err := Truncate48(event.DeviceInfo.DevEUI)
	if err != nil {
		d.fail("bad_dev_eui", err, "Malformed device EUI, dropping message")
		return DecodeFailed
	}

	timestampMs, err := ParseTimestampMillis(event.Time)
	if err != nil {
		d.fail("bad_time", err, "Malformed uplink time, dropping message")
		return DecodeFailed
	}

	logger := d.logger.With().Str("dev_eui", event.DeviceInfo.DevEUI).Uint64("device_id", deviceID).Logger()

	fields, err := orderedFields(obj)
	if err != nil {
		d.fail("bad_object", err, "Uplink object is not a JSON object, dropping message")
		return DecodeFailed
	}

	batch := make([]types.SensorRecord, 0, len(fields))
	for _, f := range fields {
		sensorType, ok := d.typeMap.Lookup(f.key)
		if !ok {
			d.metrics.UnknownKey()
			logger.Info().Str("key", f.key).RawJSON("value", f.value).Msg("Unrecognized type in dataframe")
			continue
		}

		value, err := coerceFloat(f.value)
		if err != nil {
			d.metrics.RecordsRejected("bad_value", 1)
			logger.Warn().Err(err).Str("key", f.key).RawJSON("value", f.value).Msg("Skipping malformed sensor value")
			continue
		}

		if r, ok := d.ranges[sensorType]; ok && (value < r.Min || value > r.Max) {
			d.metrics.RecordsRejected("out_of_range", 1)
			logger.Warn().Str("key", f.key).Float64("value", value).
				Float64("min", r.Min).Float64("max", r.Max).Msg("Skipping out-of-range sensor value")
			continue
		}

		rec := types.SensorRecord{
			DeviceID:    deviceID,
			SensorType:  sensorType,
			Value:       value,
			TimestampMs: timestampMs,
		}
		if d.isDuplicate(ctx, rec, logger) {
			continue
		}
		batch = append(batch, rec)
	}

	queued := 0
	if len(batch) > 0 {
		queued, err = d.queue.Push(ctx, batch...)
		if err != nil {
			d.metrics.RecordsRejected("queue", len(batch)-queued)
			logger.Error().Err(err).Int("queued", queued).Int("decoded", len(batch)).Msg("Failed to queue all decoded records")
			d.forget(ctx, batch[queued:], logger)
		}
	}
	d.metrics.RecordsEnqueued(queued)

	if queued == 0 && len(fields) > 0 {
		logger.Error().Int("keys", len(fields)).Msg("Decoded zero payload items, check the sensor type mapping")
	} else {
		logger.Info().Int("count", queued).Msg("Enqueued items")
	}
	return queued
}

func (d *Decoder) fail(reason string, err error, msg string) {
	d.metrics.DecodeFailed(reason)
	d.logger.Error().Err(err).Str("reason", reason).Msg(msg)
}

// isDuplicate fails open: a dedupe backend error lets the record through.
func (d *Decoder) isDuplicate(ctx context.Context, rec types.SensorRecord, logger zerolog.Logger) bool {
	if d.dedupe == nil {
		return false
	}
	dup, err := d.dedupe.Seen(ctx, rec)
	if err != nil {
		logger.Warn().Err(err).Msg("Dedupe check failed, keeping record")
		return false
	}
	if dup {
		d.metrics.RecordsRejected("duplicate", 1)
		logger.Debug().Int("sensor_type", rec.SensorType).Int64("timestamp_ms", rec.TimestampMs).Msg("Skipping duplicate reading")
	}
	return dup
}

// forget releases the dedupe marks of records the queue refused, so that a
// retransmission of the same uplink is not dropped as a duplicate.
func (d *Decoder) forget(ctx context.Context, records []types.SensorRecord, logger zerolog.Logger) {
	if d.dedupe == nil {
		return
	}
	for _, rec := range records {
		if err := d.dedupe.Forget(context.WithoutCancel(ctx), rec); err != nil {
			logger.Warn().Err(err).Int("sensor_type", rec.SensorType).Msg("Failed to release dedupe mark for unqueued record")
		}
	}
}

type field struct {
	key   string
	value json.RawMessage
}

// orderedFields returns the members of a JSON object in document order;
// unmarshalling into a map would lose it. A repeated key keeps the position
// of its first occurrence and the value of its last.
func orderedFields(obj []byte) ([]field, error) {
	dec := json.NewDecoder(bytes.NewReader(obj))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected '{', got %v", tok)
	}

	var fields []field
	index := make(map[string]int)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("value of %q: %w", key, err)
		}
		if i, dup := index[key]; dup {
			fields[i].value = raw
			continue
		}
		index[key] = len(fields)
		fields = append(fields, field{key: key, value: raw})
	}
	return fields, nil
}

// coerceFloat accepts JSON numbers, numeric strings and booleans. Non-finite
// results are rejected because the ingestion API cannot store them.
func coerceFloat(raw json.RawMessage) (float64, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return 0, err
	}

	var f float64
	var err error
	switch val := v.(type) {
	case json.Number:
		f, err = val.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(val), 64)
	case bool:
		if val {
			f = 1
		}
	default:
		return 0, fmt.Errorf("%w: %s", errNotCoercible, string(raw))
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errNotCoercible, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: non-finite value %s", errNotCoercible, string(raw))
	}
	return f, nil
}

// Truncate48 parses the last 12 hex characters of a device EUI as an
// unsigned 48-bit integer. Shorter strings are parsed whole.
func Truncate48(eui string) (uint64, error) {
	s := strings.TrimSpace(eui)
	if len(s) > 12 {
		s = s[len(s)-12:]
	}
	if s == "" {
		return 0, fmt.Errorf("%w: empty EUI", errNotHex)
	}
	v, err := strconv.ParseUint(s, 16, 48)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errNotHex, eui)
	}
	return v, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestampMillis parses an ISO-8601 timestamp into milliseconds since
// the Unix epoch. Timestamps without a zone offset are taken as UTC.
func ParseTimestampMillis(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty timestamp")
	}
	var firstErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC().UnixMilli(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return 0, fmt.Errorf("unrecognised timestamp %q: %w", s, firstErr)
}
