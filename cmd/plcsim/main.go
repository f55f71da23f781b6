// Command plcsim publishes simulated machine telemetry onto the bus and can
// serve the same values over Modbus TCP.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/simonvetter/modbus"

	"iiot-gateway/internal/bus"
)

func main() {
	natsURL := flag.String("nats", envOr("BUS_URL", nats.DefaultURL), "NATS server URL")
	subject := flag.String("subject", envOr("BUS_SUBJECT", bus.DefaultSubject), "subject pattern; * is replaced by the machine id")
	machineList := flag.String("machines", envOr("MACHINES", "M-01,M-02"), "comma separated machine ids")
	interval := flag.Duration("interval", time.Second, "publish interval")
	useMsgpack := flag.Bool("msgpack", false, "publish MessagePack instead of JSON")
	modbusAddr := flag.String("modbus", "", "serve holding registers on this address, e.g. :5020")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With("component", "plcsim")

	var machines []string
	for _, m := range strings.Split(*machineList, ",") {
		if m = strings.TrimSpace(m); m != "" {
			machines = append(machines, m)
		}
	}
	if len(machines) == 0 {
		logger.Error("no machines configured")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := newSimulator(machines, uint64(time.Now().UnixNano()))

	if *modbusAddr != "" {
		srv, err := modbus.NewServer(&modbus.ServerConfiguration{
			URL:        "tcp://" + *modbusAddr,
			Timeout:    30 * time.Second,
			MaxClients: 10,
		}, &registerHandler{sim: sim})
		if err != nil {
			logger.Error("modbus server", "error", err)
			os.Exit(1)
		}
		if err := srv.Start(); err != nil {
			logger.Error("modbus server start", "addr", *modbusAddr, "error", err)
			os.Exit(1)
		}
		defer srv.Stop()
		logger.Info("serving holding registers", "addr", *modbusAddr, "units", len(machines))
	}

	nc, err := nats.Connect(*natsURL, nats.Name("plcsim"), nats.MaxReconnects(-1))
	if err != nil {
		logger.Error("connect to bus", "url", *natsURL, "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	pub := bus.NewPublisher(nc, *subject, *useMsgpack)
	logger.Info("publishing", "url", *natsURL, "machines", machines, "interval", *interval)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("simulator stopped")
			return
		case <-ticker.C:
			r := sim.step()
			if err := pub.Publish(r); err != nil {
				logger.Warn("publish failed", "machine_id", r.MachineID, "error", err)
				continue
			}
			logger.Debug("published", "machine_id", r.MachineID, "temperature", r.Temperature, "status", r.Status)
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
