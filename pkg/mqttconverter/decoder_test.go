package mqttconverter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/illmade-knight/lorawan-bridge/pkg/dedupe"
	"github.com/illmade-knight/lorawan-bridge/pkg/metrics"
	"github.com/illmade-knight/lorawan-bridge/pkg/queue"
	"github.com/illmade-knight/lorawan-bridge/pkg/typemap"
	"github.com/illmade-knight/lorawan-bridge/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	exampleEUI      = "0080E1150005A3C7"
	exampleDeviceID = uint64(0xE1150005A3C7)
	exampleTimeMs   = int64(1680696000000)
	examplePayload  = `{"object":{"temp":21.5},"deviceInfo":{"devEui":"0080E1150005A3C7"},"time":"2023-04-05T12:00:00+00:00"}`
)

func uplink(object string) []byte {
	return []byte(`{"deduplicationId":"3f5c","time":"2023-04-05T12:00:00+00:00",` +
		`"deviceInfo":{"tenantName":"ChirpStack","applicationName":"sensors","deviceName":"node-1","devEui":"` + exampleEUI + `"},` +
		`"fPort":2,"object":` + object + `}`)
}

// drain empties q without waiting.
func drain(q *queue.RecordQueue) []types.SensorRecord {
	var out []types.SensorRecord
	for {
		rec, ok := q.TryPop()
		if !ok {
			return out
		}
		out = append(out, rec)
	}
}

func setupDecoder(t *testing.T, entries []string, cfg DecoderConfig) (*Decoder, *queue.RecordQueue) {
	t.Helper()
	tm, err := typemap.Parse(entries)
	require.NoError(t, err)
	q := queue.New(queue.DefaultConfig(), nil, zerolog.Nop())
	d, err := NewDecoder(tm, q, cfg, zerolog.Nop())
	require.NoError(t, err)
	return d, q
}

func TestTruncate48(t *testing.T) {
	testCases := []struct {
		name    string
		eui     string
		want    uint64
		wantErr bool
	}{
		{name: "full EUI-64", eui: exampleEUI, want: 247480310932423},
		{name: "lower case", eui: "0080e1150005a3c7", want: 247480310932423},
		{name: "exactly 12 chars", eui: "E1150005A3C7", want: exampleDeviceID},
		{name: "short EUI parsed whole", eui: "A3C7", want: 0xA3C7},
		{name: "surrounding whitespace", eui: " 0080E1150005A3C7 ", want: exampleDeviceID},
		{name: "not hex", eui: "0080E115000ZZZZZ", wantErr: true},
		{name: "empty", eui: "", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Truncate48(tc.eui)
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errNotHex)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Less(t, got, uint64(1)<<48)
		})
	}
}

func TestParseTimestampMillis(t *testing.T) {
	testCases := []struct {
		name    string
		in      string
		want    int64
		wantErr bool
	}{
		{name: "explicit UTC offset", in: "2023-04-05T12:00:00+00:00", want: exampleTimeMs},
		{name: "Z suffix with nanos", in: "2023-04-05T12:00:00.123456789Z", want: exampleTimeMs + 123},
		{name: "positive offset", in: "2023-04-05T14:00:00+02:00", want: exampleTimeMs},
		{name: "no offset is UTC", in: "2023-04-05T12:00:00", want: exampleTimeMs},
		{name: "space separator", in: "2023-04-05 12:00:00.5", want: exampleTimeMs + 500},
		{name: "garbage", in: "yesterday", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseTimestampMillis(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNewDecoder_Validation(t *testing.T) {
	tm, err := typemap.Parse([]string{"temp:1"})
	require.NoError(t, err)
	q := queue.New(queue.DefaultConfig(), nil, zerolog.Nop())

	_, err = NewDecoder(nil, q, DecoderConfig{}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewDecoder(tm, nil, DecoderConfig{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestDispatch_ExampleUplink(t *testing.T) {
	d, q := setupDecoder(t, []string{"temp:1"}, DecoderConfig{})

	class, n := d.Dispatch(context.Background(), "application/1/device/2/event/up", []byte(examplePayload))

	assert.Equal(t, TopicApplicationUplink, class)
	assert.Equal(t, 1, n)
	records := drain(q)
	require.Len(t, records, 1)
	assert.Equal(t, types.SensorRecord{
		DeviceID:    exampleDeviceID,
		SensorType:  1,
		Value:       21.5,
		TimestampMs: exampleTimeMs,
	}, records[0])
}

func TestDispatch_NonUplinkTopicsEnqueueNothing(t *testing.T) {
	d, q := setupDecoder(t, []string{"temp:1"}, DecoderConfig{})
	ctx := context.Background()

	class, n := d.Dispatch(ctx, "gateway/xyz/stats", []byte(examplePayload))
	assert.Equal(t, TopicGateway, class)
	assert.Equal(t, 0, n)

	class, n = d.Dispatch(ctx, "application/1/device/2/event/join", []byte(examplePayload))
	assert.Equal(t, TopicOther, class)
	assert.Equal(t, 0, n)

	class, n = d.Dispatch(ctx, "devices/abc/data", []byte(examplePayload))
	assert.Equal(t, TopicOther, class)
	assert.Equal(t, 0, n)

	assert.Equal(t, 0, q.Len())
}

func TestDispatch_UnhandledTopicLogs(t *testing.T) {
	tm, err := typemap.Parse([]string{"temp:1"})
	require.NoError(t, err)
	q := queue.New(queue.DefaultConfig(), nil, zerolog.Nop())
	var buf strings.Builder
	d, err := NewDecoder(tm, q, DecoderConfig{}, zerolog.New(&buf))
	require.NoError(t, err)
	ctx := context.Background()

	d.Dispatch(ctx, "application/1/device/2/event/join", []byte(`{}`))
	assert.Contains(t, buf.String(), "Unhandled application event")

	buf.Reset()
	d.Dispatch(ctx, "devices/abc/data", []byte(`{}`))
	assert.Contains(t, buf.String(), "Unhandled topic")
	assert.NotContains(t, buf.String(), "application event")
}

func TestDecodeGateway_ReportsFailure(t *testing.T) {
	d, q := setupDecoder(t, []string{"temp:1"}, DecoderConfig{})
	assert.False(t, d.DecodeGateway("gateway/xyz/event/stats", []byte(`{}`)))
	assert.Equal(t, 0, q.Len())
}

func TestDecodeSensorPayload_KnownKeysInDocumentOrder(t *testing.T) {
	// Five keys, three known; the map codes are deliberately out of key order.
	d, q := setupDecoder(t, []string{"temp:1", "zeta:2", "alpha:3"}, DecoderConfig{})

	n := d.DecodeSensorPayload(context.Background(),
		uplink(`{"zeta":1,"battery":3.6,"temp":2,"rssi":-80,"alpha":4}`))

	assert.Equal(t, 3, n)
	records := drain(q)
	require.Len(t, records, 3)
	assert.Equal(t, []int{2, 1, 3}, []int{records[0].SensorType, records[1].SensorType, records[2].SensorType})
	assert.Equal(t, []float64{1, 2, 4}, []float64{records[0].Value, records[1].Value, records[2].Value})
	for _, r := range records {
		assert.Equal(t, exampleDeviceID, r.DeviceID)
		assert.Equal(t, exampleTimeMs, r.TimestampMs)
	}
}

func TestDecodeSensorPayload_Failures(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
	}{
		{name: "malformed JSON", payload: `{"object":`},
		{name: "missing object", payload: `{"deviceInfo":{"devEui":"0080E1150005A3C7"},"time":"2023-04-05T12:00:00+00:00"}`},
		{name: "null object", payload: `{"object":null,"deviceInfo":{"devEui":"0080E1150005A3C7"},"time":"2023-04-05T12:00:00+00:00"}`},
		{name: "object not a map", payload: `{"object":[1,2],"deviceInfo":{"devEui":"0080E1150005A3C7"},"time":"2023-04-05T12:00:00+00:00"}`},
		{name: "missing deviceInfo", payload: `{"object":{"temp":1},"time":"2023-04-05T12:00:00+00:00"}`},
		{name: "malformed EUI", payload: `{"object":{"temp":1},"deviceInfo":{"devEui":"not-a-eui!!"},"time":"2023-04-05T12:00:00+00:00"}`},
		{name: "malformed time", payload: `{"object":{"temp":1},"deviceInfo":{"devEui":"0080E1150005A3C7"},"time":"noon"}`},
		{name: "missing time", payload: `{"object":{"temp":1},"deviceInfo":{"devEui":"0080E1150005A3C7"}}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d, q := setupDecoder(t, []string{"temp:1"}, DecoderConfig{})
			before := q.Len()
			n := d.DecodeSensorPayload(context.Background(), []byte(tc.payload))
			assert.Equal(t, DecodeFailed, n)
			assert.Equal(t, before, q.Len())
		})
	}
}

func TestDecodeSensorPayload_CoercionIsolatedPerKey(t *testing.T) {
	d, q := setupDecoder(t, []string{"temp:1", "hum:2", "flag:3", "arr:4", "nothing:5", "pressure:6"}, DecoderConfig{})

	n := d.DecodeSensorPayload(context.Background(),
		uplink(`{"temp":"21.5","hum":"abc","flag":true,"arr":[1],"nothing":null,"pressure":1013}`))

	assert.Equal(t, 3, n)
	records := drain(q)
	require.Len(t, records, 3)
	assert.Equal(t, 1, records[0].SensorType)
	assert.Equal(t, 21.5, records[0].Value)
	assert.Equal(t, 3, records[1].SensorType)
	assert.Equal(t, 1.0, records[1].Value)
	assert.Equal(t, 6, records[2].SensorType)
	assert.Equal(t, 1013.0, records[2].Value)
}

func TestDecodeSensorPayload_RepeatedKeyKeepsLastValue(t *testing.T) {
	d, q := setupDecoder(t, []string{"temp:1", "hum:2"}, DecoderConfig{})

	n := d.DecodeSensorPayload(context.Background(), uplink(`{"temp":1,"hum":40,"temp":2}`))

	assert.Equal(t, 2, n)
	records := drain(q)
	require.Len(t, records, 2)
	assert.Equal(t, 1, records[0].SensorType, "a repeated key keeps its first position")
	assert.Equal(t, float64(2), records[0].Value)
	assert.Equal(t, 2, records[1].SensorType)
}

func TestCoerceFloat(t *testing.T) {
	for _, ok := range []string{`1`, `-2.5e3`, `" 7.25 "`, `true`, `false`} {
		_, err := coerceFloat([]byte(ok))
		assert.NoError(t, err, ok)
	}
	for _, bad := range []string{`null`, `{}`, `[1]`, `"NaN"`, `"Inf"`, `"twelve"`} {
		_, err := coerceFloat([]byte(bad))
		assert.ErrorIs(t, err, errNotCoercible, bad)
	}
}

func TestDecodeSensorPayload_NoKnownKeys(t *testing.T) {
	d, q := setupDecoder(t, []string{"temp:1"}, DecoderConfig{})

	assert.Equal(t, 0, d.DecodeSensorPayload(context.Background(), uplink(`{"battery":3.6,"rssi":-80}`)))
	assert.Equal(t, 0, d.DecodeSensorPayload(context.Background(), uplink(`{}`)))
	assert.Equal(t, 0, q.Len())
}

func TestDecodeSensorPayload_RangeValidation(t *testing.T) {
	d, q := setupDecoder(t, []string{"temp:1", "hum:2"}, DecoderConfig{
		Ranges: map[int]Range{1: {Min: -40, Max: 85}},
	})

	n := d.DecodeSensorPayload(context.Background(), uplink(`{"temp":120,"hum":140}`))

	assert.Equal(t, 1, n, "only types with a configured range are checked")
	records := drain(q)
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].SensorType)
}

func TestDecodeSensorPayload_Dedupe(t *testing.T) {
	filter := dedupe.NewInMemoryFilter(time.Minute, zerolog.Nop())
	d, q := setupDecoder(t, []string{"temp:1", "hum:2"}, DecoderConfig{Dedupe: filter})
	ctx := context.Background()

	assert.Equal(t, 2, d.DecodeSensorPayload(ctx, uplink(`{"temp":21.5,"hum":40}`)))
	assert.Equal(t, 0, d.DecodeSensorPayload(ctx, uplink(`{"temp":21.5,"hum":40}`)))
	assert.Equal(t, 2, q.Len())
}

type failingFilter struct{}

func (failingFilter) Seen(context.Context, types.SensorRecord) (bool, error) {
	return false, errors.New("backend unavailable")
}
func (failingFilter) Forget(context.Context, types.SensorRecord) error { return nil }
func (failingFilter) Close() error { return nil }

func TestDecodeSensorPayload_DedupeFailsOpen(t *testing.T) {
	d, q := setupDecoder(t, []string{"temp:1"}, DecoderConfig{Dedupe: failingFilter{}})

	assert.Equal(t, 1, d.DecodeSensorPayload(context.Background(), uplink(`{"temp":21.5}`)))
	assert.Equal(t, 1, q.Len())
}

func TestDecodeSensorPayload_RefusedRecordsAcceptedOnRetransmit(t *testing.T) {
	tm, err := typemap.Parse([]string{"temp:1", "hum:2"})
	require.NoError(t, err)
	q := queue.New(queue.Config{Capacity: 1, Policy: queue.PolicyDrop}, nil, zerolog.Nop())
	filter := dedupe.NewInMemoryFilter(time.Minute, zerolog.Nop())
	d, err := NewDecoder(tm, q, DecoderConfig{Dedupe: filter}, zerolog.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	payload := uplink(`{"temp":21.5,"hum":40}`)

	require.Equal(t, 1, d.DecodeSensorPayload(ctx, payload), "hum does not fit in the queue")
	first := drain(q)
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].SensorType)

	require.Equal(t, 1, d.DecodeSensorPayload(ctx, payload), "only the refused reading is new")
	second := drain(q)
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].SensorType)
	assert.Equal(t, float64(40), second[0].Value)

	assert.Equal(t, 0, d.DecodeSensorPayload(ctx, payload), "both readings are now duplicates")
}

func TestDecodeSensorPayload_QueueFullKeepsPrefix(t *testing.T) {
	tm, err := typemap.Parse([]string{"temp:1", "hum:2", "co2:3"})
	require.NoError(t, err)
	q := queue.New(queue.Config{Capacity: 2, Policy: queue.PolicyDrop}, nil, zerolog.Nop())
	d, err := NewDecoder(tm, q, DecoderConfig{}, zerolog.Nop())
	require.NoError(t, err)

	n := d.DecodeSensorPayload(context.Background(), uplink(`{"temp":1,"hum":2,"co2":3}`))

	assert.Equal(t, 2, n)
	assert.Equal(t, int64(1), q.Dropped())
	records := drain(q)
	require.Len(t, records, 2)
	assert.Equal(t, 1, records[0].SensorType)
	assert.Equal(t, 2, records[1].SensorType)
}

func TestDecoder_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	d, _ := setupDecoder(t, []string{"temp:1"}, DecoderConfig{Metrics: metrics.New(reg)})
	ctx := context.Background()

	d.Dispatch(ctx, "application/1/device/2/event/up", uplink(`{"temp":21.5,"battery":3.6}`))
	d.Dispatch(ctx, "application/1/device/2/event/up", []byte(`{}`))
	d.Dispatch(ctx, "gateway/xyz/stats", []byte(`{}`))

	expected := `
# HELP lorawan_bridge_records_enqueued_total Sensor records pushed onto the harvester queue.
# TYPE lorawan_bridge_records_enqueued_total counter
lorawan_bridge_records_enqueued_total 1
# HELP lorawan_bridge_unknown_sensor_keys_total Payload keys skipped because they are not in the type map.
# TYPE lorawan_bridge_unknown_sensor_keys_total counter
lorawan_bridge_unknown_sensor_keys_total 1
# HELP lorawan_bridge_decode_failures_total Uplinks that produced no records because of a payload error.
# TYPE lorawan_bridge_decode_failures_total counter
lorawan_bridge_decode_failures_total{reason="missing_object"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"lorawan_bridge_records_enqueued_total",
		"lorawan_bridge_unknown_sensor_keys_total",
		"lorawan_bridge_decode_failures_total",
	))
}
