package mpu6050

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeI2C struct {
	regs   map[byte][]byte
	writes []writeOp

	readErrFor map[byte]error
}

type writeOp struct {
	reg byte
	val byte
}

func (f *fakeI2C) ReadRegU8(reg byte) (byte, error) {
	if err := f.readErrFor[reg]; err != nil {
		return 0, err
	}
	b := f.regs[reg]
	if len(b) < 1 {
		return 0, errors.New("no reg")
	}
	return b[0], nil
}

func (f *fakeI2C) ReadReg(reg byte, dst []byte) error {
	if err := f.readErrFor[reg]; err != nil {
		return err
	}
	b := f.regs[reg]
	if len(b) < len(dst) {
		return errors.New("short reg")
	}
	copy(dst, b[:len(dst)])
	return nil
}

func (f *fakeI2C) WriteReg(reg, value byte) error {
	f.writes = append(f.writes, writeOp{reg: reg, val: value})
	return nil
}

func noSleep(t *testing.T) {
	t.Helper()
	old := sleep
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = old })
}

func TestNew_WhoAmIMismatch(t *testing.T) {
	noSleep(t)
	f := &fakeI2C{regs: map[byte][]byte{regWhoAmI: {0x00}}}
	if _, err := newWithIO(f); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNew_AcceptsClone(t *testing.T) {
	noSleep(t)
	f := &fakeI2C{regs: map[byte][]byte{regWhoAmI: {0x70}}}
	d, err := newWithIO(f)
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}
	if d.Model() != "MPU-6500" {
		t.Fatalf("model=%q", d.Model())
	}
}

func TestNew_WritesResetWakeAndRange(t *testing.T) {
	noSleep(t)
	f := &fakeI2C{regs: map[byte][]byte{regWhoAmI: {0x68}}}
	if _, err := newWithIO(f); err != nil {
		t.Fatalf("newWithIO: %v", err)
	}
	want := []writeOp{
		{regPwrMgmt1, bitReset},
		{regPwrMgmt1, clkPLLGyroX},
		{regAccelConfig, fsAccel2g},
	}
	for _, w := range want {
		found := false
		for _, got := range f.writes {
			if got == w {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("missing write reg=0x%02X val=0x%02X in %+v", w.reg, w.val, f.writes)
		}
	}
	if f.writes[0] != (writeOp{regPwrMgmt1, bitReset}) {
		t.Fatalf("first write=%+v want reset", f.writes[0])
	}
}

func TestRead_ScalesAccelAndTemp(t *testing.T) {
	noSleep(t)
	f := &fakeI2C{regs: map[byte][]byte{regWhoAmI: {0x68}}}
	// ax=16384 -> 0.5g at ±2g, az=-16384 -> -0.5g, temp raw 0 -> 36.53 C.
	f.regs[regAccelXoutH] = []byte{
		0x40, 0x00,
		0x00, 0x00,
		0xC0, 0x00,
		0x00, 0x00,
	}
	d, err := newWithIO(f)
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}
	s, err := d.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if s.Ax < 0.499 || s.Ax > 0.501 {
		t.Fatalf("Ax=%v want ~0.5", s.Ax)
	}
	if s.Az > -0.499 || s.Az < -0.501 {
		t.Fatalf("Az=%v want ~-0.5", s.Az)
	}
	if s.TempC < 36.52 || s.TempC > 36.54 {
		t.Fatalf("TempC=%v want 36.53", s.TempC)
	}

	ax, _, az, err := d.ReadAccel(context.Background())
	if err != nil || ax != s.Ax || az != s.Az {
		t.Fatalf("ReadAccel=(%v,%v,%v)", ax, az, err)
	}
}

func TestRead_BusError(t *testing.T) {
	noSleep(t)
	f := &fakeI2C{
		regs:       map[byte][]byte{regWhoAmI: {0x68}},
		readErrFor: map[byte]error{regAccelXoutH: errors.New("nack")},
	}
	d, err := newWithIO(f)
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}
	if _, _, _, err := d.ReadAccel(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSleep_SetsSleepBit(t *testing.T) {
	noSleep(t)
	f := &fakeI2C{regs: map[byte][]byte{regWhoAmI: {0x68}}}
	d, err := newWithIO(f)
	if err != nil {
		t.Fatalf("newWithIO: %v", err)
	}
	if err := d.Sleep(); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	last := f.writes[len(f.writes)-1]
	if last.reg != regPwrMgmt1 || last.val&bitSleep == 0 {
		t.Fatalf("last write=%+v", last)
	}
}
