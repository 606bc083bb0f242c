package transport

import (
	"encoding/json"
	"math"
	"time"
)

type Mode string

const (
	ModeDirect Mode = "direct"
	ModeBroker Mode = "broker"
)

// Payload is one measurement. Optional fields are nil when the reading was
// not available and are then left out of the wire format.
type Payload struct {
	SpecificGravity   float64
	BatteryPercent    *int
	BatteryMillivolts *float64
	TemperatureC      *float64
	AngleDeg          *float64
	UpdateInterval    time.Duration
}

type directBody struct {
	CurrentGravity   float64  `json:"currentGravity"`
	BatteryLevel     *int     `json:"batteryLevel,omitempty"`
	UpdateIntervalMs int64    `json:"updateIntervalMs"`
	Temp             *float64 `json:"temp,omitempty"`
	Angle            *float64 `json:"angle,omitempty"`
	// Battery is the cell voltage in millivolts.
	Battery *int `json:"battery,omitempty"`
}

type brokerBody struct {
	SG      float64  `json:"sg"`
	Battery *int     `json:"battery,omitempty"`
	Temp    *float64 `json:"temp,omitempty"`
}

// DirectJSON is the body POSTed to the companion fermenter controller.
func (p Payload) DirectJSON() ([]byte, error) {
	b := directBody{
		CurrentGravity:   p.SpecificGravity,
		BatteryLevel:     p.BatteryPercent,
		UpdateIntervalMs: p.UpdateInterval.Milliseconds(),
		Temp:             p.TemperatureC,
		Angle:            p.AngleDeg,
	}
	if p.BatteryMillivolts != nil {
		mv := int(math.Round(*p.BatteryMillivolts))
		b.Battery = &mv
	}
	return json.Marshal(b)
}

// BrokerJSON is the message published to the broker topic.
func (p Payload) BrokerJSON() ([]byte, error) {
	return json.Marshal(brokerBody{
		SG:      p.SpecificGravity,
		Battery: p.BatteryPercent,
		Temp:    p.TemperatureC,
	})
}
