// Command lorawan-bridge subscribes to ChirpStack uplink events, decodes the
// sensor readings and forwards them to a configured sink.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "sample":
		err = sampleCommand(os.Args[2:])
	case "simulate":
		err = simulateCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("lorawan-bridge failed")
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: lorawan-bridge <command> [flags]

Commands:
  run        subscribe to uplinks and forward sensor records to the sink
  validate   load and check a configuration file
  sample     capture raw MQTT messages for inspection
  simulate   publish simulated ChirpStack uplinks

Every command accepts -config; keys may be overridden with BRIDGE_* variables.`)
}
