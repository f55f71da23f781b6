package main

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/simonvetter/modbus"

	"iiot-gateway/internal/data"
)

// simulator produces readings for its machines in turn and remembers the
// last one per machine for register reads.
type simulator struct {
	machines []string
	rng      *rand.Rand
	now      func() time.Time

	mu   sync.Mutex
	next int
	last map[string]data.RawReading
}

func newSimulator(machines []string, seed uint64) *simulator {
	return &simulator{
		machines: machines,
		rng:      rand.New(rand.NewPCG(seed, seed>>1)),
		now:      time.Now,
		last:     make(map[string]data.RawReading, len(machines)),
	}
}

// step generates the reading for the next machine in rotation.
func (s *simulator) step() data.RawReading {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.next
	s.next = (s.next + 1) % len(s.machines)
	id := s.machines[i]

	temp := 70 + float64(i)*5 + (s.rng.Float64()-0.5)*10
	pressure := 4.2 + float64(i)*0.3 + (s.rng.Float64()-0.5)*1.5

	status := data.StatusRunning
	switch p := s.rng.Float64(); {
	case p >= 0.98:
		status = data.StatusError
	case p >= 0.90:
		status = data.StatusStopped
	}

	r := data.RawReading{
		MachineID:   id,
		Temperature: round1(temp),
		Pressure:    round1(pressure),
		Status:      string(status),
		Timestamp:   s.now().UTC(),
	}
	s.last[id] = r
	return r
}

// registers encodes a machine's last reading as [temp x10, pressure x10, status].
func (s *simulator) registers(machineID string) ([]uint16, bool) {
	s.mu.Lock()
	r, ok := s.last[machineID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	code := uint16(1)
	switch data.MachineStatus(r.Status) {
	case data.StatusStopped:
		code = 0
	case data.StatusError:
		code = 2
	}
	return []uint16{
		uint16(math.Round(r.Temperature.(float64) * 10)),
		uint16(math.Round(r.Pressure.(float64) * 10)),
		code,
	}, true
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

// registerHandler serves holding registers; unit id n maps to the n-th
// machine.
type registerHandler struct {
	sim *simulator
}

func (h *registerHandler) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	if req.IsWrite {
		return nil, modbus.ErrIllegalFunction
	}
	idx := int(req.UnitId) - 1
	if idx < 0 || idx >= len(h.sim.machines) {
		return nil, modbus.ErrIllegalDataAddress
	}
	regs, ok := h.sim.registers(h.sim.machines[idx])
	if !ok {
		return nil, modbus.ErrServerDeviceBusy
	}
	start, end := int(req.Addr), int(req.Addr)+int(req.Quantity)
	out := make([]uint16, req.Quantity)
	for a := start; a < end; a++ {
		if a < len(regs) {
			out[a-start] = regs[a]
		}
	}
	return out, nil
}

func (h *registerHandler) HandleCoils(*modbus.CoilsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (h *registerHandler) HandleDiscreteInputs(*modbus.DiscreteInputsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (h *registerHandler) HandleInputRegisters(*modbus.InputRegistersRequest) ([]uint16, error) {
	return nil, modbus.ErrIllegalFunction
}
