package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/illmade-knight/lorawan-bridge/pkg/config"
	"github.com/illmade-knight/lorawan-bridge/pkg/helpers/loadgen"
	"github.com/illmade-knight/lorawan-bridge/pkg/mqttconverter"
	"github.com/illmade-knight/lorawan-bridge/pkg/shutdown"
)

func simulateCommand(args []string) error {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Path to bridge configuration file (only the mqtt section is used)")
	numDevices := fs.Int("devices", 5, "Number of simulated devices")
	rate := fs.Float64("rate", 1, "Uplinks per second per device")
	duration := fs.Duration("duration", 30*time.Second, "How long to publish for")
	appID := fs.String("app", "simulated", "ChirpStack application id used in the topic")
	baseEUI := fs.String("base-eui", "0080e11500000000", "EUI of the first device; later devices count up from it")
	seed := fs.Int64("seed", time.Now().UnixNano(), "Random seed for sensor values")
	if err := fs.Parse(args); err != nil {
		return err
	}

	eui, err := strconv.ParseUint(*baseEUI, 16, 64)
	if err != nil {
		return fmt.Errorf("invalid -base-eui %q: %w", *baseEUI, err)
	}
	cfg, err := config.Read(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := cfg.Logger(os.Stderr)
	mqttconverter.RouteClientLogs(logger)

	mqttCfg := cfg.MQTTClientConfig()
	client := loadgen.NewMqttClient(loadgen.MqttClientConfig{
		BrokerURL: mqttCfg.Broker(),
		Username:  mqttCfg.Username,
		Password:  mqttCfg.Password,
		QoS:       mqttCfg.QoS,
	}, logger)
	devices := loadgen.NewDevices(*numDevices, eui, *appID, *rate, loadgen.NewUplinkGenerator(loadgen.DefaultSensors(), *seed))

	signal := shutdown.New()
	stop := signal.NotifyOnInterrupt(logger)
	defer stop()

	published, err := loadgen.NewLoadGenerator(client, devices, logger).Run(signal.Context(), *duration)
	if err != nil {
		return err
	}
	fmt.Printf("published %d uplinks from %d devices\n", published, len(devices))
	return nil
}
