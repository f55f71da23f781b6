package poller

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/simonvetter/modbus"

	"iiot-gateway/internal/data"
)

type modbusClient struct {
	client *modbus.ModbusClient
}

// DialModbus opens a Modbus TCP or RTU connection for ep and selects its
// unit id.
func DialModbus(_ context.Context, ep data.DeviceEndpoint, timeout time.Duration) (RegisterClient, error) {
	cfg := &modbus.ClientConfiguration{Timeout: timeout}
	switch ep.Transport {
	case data.TransportRTU:
		cfg.URL = "rtu://" + ep.SerialPort
		cfg.Speed = uint(ep.BaudRate)
		cfg.DataBits = uint(ep.DataBits)
		cfg.StopBits = uint(ep.StopBits)
		cfg.Parity = parity(ep.Parity)
	default:
		cfg.URL = "tcp://" + net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	}

	client, err := modbus.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("modbus client %s: %w", cfg.URL, err)
	}
	if err := client.Open(); err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.URL, err)
	}
	if err := client.SetUnitId(uint8(ep.UnitID)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("set unit id %d: %w", ep.UnitID, err)
	}
	return &modbusClient{client: client}, nil
}

func parity(p string) uint {
	switch strings.ToLower(p) {
	case "even":
		return modbus.PARITY_EVEN
	case "odd":
		return modbus.PARITY_ODD
	default:
		return modbus.PARITY_NONE
	}
}

type readResult struct {
	regs []uint16
	err  error
}

// ReadHoldingRegisters returns when the read completes or ctx ends, whichever
// comes first. The client's own timeout bounds the abandoned read.
func (c *modbusClient) ReadHoldingRegisters(ctx context.Context, addr, quantity uint16) ([]uint16, error) {
	ch := make(chan readResult, 1)
	go func() {
		regs, err := c.client.ReadRegisters(addr, quantity, modbus.HOLDING_REGISTER)
		ch <- readResult{regs: regs, err: err}
	}()
	select {
	case r := <-ch:
		return r.regs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *modbusClient) Close() error {
	return c.client.Close()
}
