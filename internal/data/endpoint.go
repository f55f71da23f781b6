package data

import "time"

// Transport selects how a device endpoint is reached.
type Transport string

const (
	TransportTCP Transport = "TCP"
	TransportRTU Transport = "RTU"
)

// DeviceEndpoint describes a register-addressable controller to poll.
type DeviceEndpoint struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	MachineID    string    `json:"machineId"`
	Transport    Transport `json:"transport"`
	Host         string    `json:"host,omitempty"`
	Port         int       `json:"port,omitempty"`
	SerialPort   string    `json:"serialPort,omitempty"`
	BaudRate     int       `json:"baudRate,omitempty"`
	DataBits     int       `json:"dataBits,omitempty"`
	StopBits     int       `json:"stopBits,omitempty"`
	Parity       string    `json:"parity,omitempty"` // none, even, odd
	UnitID       int       `json:"unitId"`
	StartAddress int       `json:"startAddress"`
	Quantity     int       `json:"quantity"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
