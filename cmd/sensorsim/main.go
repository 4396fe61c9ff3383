// Command sensorsim emulates the ADC sensor node: it sends one reading per
// interval to a spacenosed datagram port.
package main

import (
	"context"
	"encoding/json"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/spacenose/internal/errors"
	"codeberg.org/mutker/spacenose/internal/logger"
	"github.com/spf13/pflag"
)

const (
	adcMax    = 4096
	reference = 3.3
)

type payload struct {
	Counter int64   `json:"counter"`
	ADC     int64   `json:"adc"`
	Voltage float64 `json:"voltage"`
}

func main() {
	flags := pflag.NewFlagSet("sensorsim", pflag.ContinueOnError)
	target := flags.String("target", "127.0.0.1:8888", "Datagram address of spacenosed")
	interval := flags.Duration("interval", time.Second, "Delay between readings")
	count := flags.Int64("count", 0, "Number of readings to send, 0 for unlimited")
	debug := flags.Bool("debug", false, "Log every reading")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	level := logger.InfoLevel
	if *debug {
		level = logger.DebugLevel
	}
	logger.Init(level, logger.FormatConsole, false)

	conn, err := net.Dial("udp", *target)
	if err != nil {
		logger.Fatal().Err(err).Str("target", *target).Msg("Failed to open socket")
	}
	defer conn.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info().Str("target", *target).Dur("interval", *interval).Msg("Sending readings")

	if err := run(ctx, conn, *interval, *count); err != nil {
		logger.Error().Err(err).Msg("Simulator stopped")
		os.Exit(1)
	}
}

func run(ctx context.Context, conn net.Conn, interval time.Duration, count int64) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	adc := int64(adcMax / 2)
	for counter := int64(1); count == 0 || counter <= count; counter++ {
		adc = walk(adc)

		data, err := json.Marshal(payload{
			Counter: counter,
			ADC:     adc,
			Voltage: float64(adc) / adcMax * reference,
		})
		if err != nil {
			return errors.New().Wrap(errors.ErrOperationFailed, err)
		}

		// Delivery is fire-and-forget, as on the device.
		if _, err := conn.Write(data); err != nil {
			logger.Warn().Err(err).Int64("counter", counter).Msg("Send failed")
		} else {
			logger.Debug().RawJSON("reading", data).Msg("Sent")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// walk drifts the ADC value by a small random step, clamped to its range.
func walk(adc int64) int64 {
	adc += rand.Int63n(41) - 20
	switch {
	case adc < 0:
		return 0
	case adc >= adcMax:
		return adcMax - 1
	}
	return adc
}
