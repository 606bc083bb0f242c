package mpu6050

import (
	"context"
	"fmt"
	"time"

	"hydrometer/internal/i2c"
)

var sleep = time.Sleep

// Minimal MPU-6050 (GY-521 breakout) driver: probe, configure for ±2 g with a
// low-pass filter, and read accelerometer and die temperature.

const (
	addrDefault = 0x68

	regSmplrtDiv   = 0x19
	regConfig      = 0x1A
	regGyroConfig  = 0x1B
	regAccelConfig = 0x1C
	regAccelXoutH  = 0x3B // accel(6) temp(2) gyro(6)
	regPwrMgmt1    = 0x6B
	regWhoAmI      = 0x75

	bitReset    = 0x80
	bitSleep    = 0x40
	clkPLLGyroX = 0x01

	dlpf44Hz     = 0x03
	fsAccel2g    = 0x00
	fsGyro250dps = 0x00
)

// Genuine parts answer 0x68; common clones answer with their own id.
var knownWhoAmI = map[byte]string{
	0x68: "MPU-6050",
	0x70: "MPU-6500",
	0x72: "MPU-6052C",
	0x98: "clone",
}

type Sample struct {
	Time time.Time
	// Accel in G.
	Ax, Ay, Az float64
	// TempC is the die temperature, not the wort temperature.
	TempC float64
}

type Device struct {
	dev        regIO
	model      string
	scaleAccel float64
}

type regIO interface {
	ReadRegU8(reg byte) (byte, error)
	ReadReg(reg byte, dst []byte) error
	WriteReg(reg, value byte) error
}

func DefaultAddress() uint16 { return addrDefault }

func New(dev *i2c.Dev) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("mpu6050: dev is nil")
	}
	return newWithIO(dev)
}

func newWithIO(dev regIO) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("mpu6050: dev is nil")
	}
	who, err := dev.ReadRegU8(regWhoAmI)
	if err != nil {
		return nil, fmt.Errorf("mpu6050: whoami read failed: %w", err)
	}
	model, ok := knownWhoAmI[who]
	if !ok {
		return nil, fmt.Errorf("mpu6050: unexpected whoami=0x%02X", who)
	}
	d := &Device{dev: dev, model: model}
	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) Model() string { return d.model }

func (d *Device) init() error {
	if err := d.dev.WriteReg(regPwrMgmt1, bitReset); err != nil {
		return fmt.Errorf("mpu6050: reset failed: %w", err)
	}
	sleep(100 * time.Millisecond)

	if err := d.dev.WriteReg(regPwrMgmt1, clkPLLGyroX); err != nil {
		return fmt.Errorf("mpu6050: wake failed: %w", err)
	}
	sleep(10 * time.Millisecond)

	// 1 kHz / (1+19) = 50 Hz with the DLPF enabled.
	_ = d.dev.WriteReg(regSmplrtDiv, 19)
	if err := d.dev.WriteReg(regConfig, dlpf44Hz); err != nil {
		return fmt.Errorf("mpu6050: dlpf config failed: %w", err)
	}
	_ = d.dev.WriteReg(regGyroConfig, fsGyro250dps)
	if err := d.dev.WriteReg(regAccelConfig, fsAccel2g); err != nil {
		return fmt.Errorf("mpu6050: accel config failed: %w", err)
	}
	d.scaleAccel = 2.0 / 32768.0
	// Let the filter fill before the first read.
	sleep(50 * time.Millisecond)
	return nil
}

func (d *Device) Read() (Sample, error) {
	if d == nil {
		return Sample{}, fmt.Errorf("mpu6050: device is nil")
	}
	buf := make([]byte, 8)
	if err := d.dev.ReadReg(regAccelXoutH, buf); err != nil {
		return Sample{}, fmt.Errorf("mpu6050: read sensors failed: %w", err)
	}
	ax := int16(buf[0])<<8 | int16(buf[1])
	ay := int16(buf[2])<<8 | int16(buf[3])
	az := int16(buf[4])<<8 | int16(buf[5])
	tr := int16(buf[6])<<8 | int16(buf[7])

	return Sample{
		Time:  time.Now(),
		Ax:    float64(ax) * d.scaleAccel,
		Ay:    float64(ay) * d.scaleAccel,
		Az:    float64(az) * d.scaleAccel,
		TempC: float64(tr)/340.0 + 36.53,
	}, nil
}

// ReadAccel satisfies fusion.AccelSource.
func (d *Device) ReadAccel(ctx context.Context) (float64, float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, 0, err
	}
	s, err := d.Read()
	if err != nil {
		return 0, 0, 0, err
	}
	return s.Ax, s.Ay, s.Az, nil
}

// Sleep puts the chip in its low-power sleep state until the next init.
func (d *Device) Sleep() error {
	if err := d.dev.WriteReg(regPwrMgmt1, bitSleep|clkPLLGyroX); err != nil {
		return fmt.Errorf("mpu6050: sleep failed: %w", err)
	}
	return nil
}
