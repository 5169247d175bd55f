package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/illmade-knight/lorawan-bridge/pkg/config"
	"github.com/illmade-knight/lorawan-bridge/pkg/mqttconverter"
	"github.com/illmade-knight/lorawan-bridge/pkg/shutdown"
)

func sampleCommand(args []string) error {
	fs := flag.NewFlagSet("sample", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Path to bridge configuration file (only the mqtt section is used)")
	numMessages := fs.Int("n", 10, "Number of messages to capture before exiting")
	topic := fs.String("topic", "#", "Topic filter to sample")
	output := fs.String("o", "-", "Output file for the captured messages, - for stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Read(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := cfg.Logger(os.Stderr)
	mqttconverter.RouteClientLogs(logger)

	mqttCfg := cfg.MQTTClientConfig()
	mqttCfg.Topic = *topic
	logger.Info().Str("broker", mqttCfg.Broker()).Str("topic", mqttCfg.Topic).Int("sampling", *numMessages).Msg("Configuration loaded")

	signal := shutdown.New()
	stop := signal.NotifyOnInterrupt(logger)
	defer stop()

	sampler := mqttconverter.NewSampler(mqttCfg, *numMessages, signal, logger)
	if err := sampler.Run(context.Background()); err != nil {
		return err
	}
	if len(sampler.Messages()) == 0 {
		logger.Warn().Msg("No messages were captured.")
		return nil
	}

	if *output == "-" {
		return sampler.WriteJSON(os.Stdout)
	}
	file, err := os.Create(*output)
	if err != nil {
		return fmt.Errorf("could not create file: %w", err)
	}
	defer file.Close()
	if err := sampler.WriteJSON(file); err != nil {
		return fmt.Errorf("could not encode messages to JSON: %w", err)
	}
	logger.Info().Str("file", *output).Int("message_count", len(sampler.Messages())).Msg("Successfully saved captured messages.")
	return nil
}
