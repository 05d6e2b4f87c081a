// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewiregpio implements a 1-wire bus master by bit-banging a
// single open-drain GPIO pin at standard speed.
//
// The electrical contract of the bus is that the line is only ever driven
// low or released to the external pull-up; the master never drives a high
// level. Timing is produced with busy-wait delays because the slot windows
// are a few microseconds wide and a premature sample corrupts bit framing
// silently instead of failing loudly.
package onewiregpio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"

	"github.com/doorkit/onewire/common"
)

// Opts contains the bus timing parameters.
//
// The defaults implement the standard-speed slot layout; they are
// configurable mainly so tests and marginal bus topologies (long wires,
// weak pull-ups) can stretch them.
type Opts struct {
	ResetLow       time.Duration // reset pulse low time
	PresenceDetect time.Duration // release-to-sample delay of the presence window
	ResetRecovery  time.Duration // remainder of the reset cycle after the sample
	Write1Low      time.Duration // write-1 slot low time
	Write1Release  time.Duration // write-1 slot release time
	Write0Low      time.Duration // write-0 slot low time
	Write0Release  time.Duration // write-0 slot release time
	ReadLow        time.Duration // read slot initiation low time
	ReadSample     time.Duration // release-to-sample delay of a read slot
	ReadRecovery   time.Duration // remainder of the read slot after the sample
	Pull           gpio.Pull     // pull applied while the line is released
	MaxDevices     int           // upper bound on a single Search enumeration
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	ResetLow:       480 * time.Microsecond,
	PresenceDetect: 70 * time.Microsecond,
	ResetRecovery:  410 * time.Microsecond,
	Write1Low:      6 * time.Microsecond,
	Write1Release:  64 * time.Microsecond,
	Write0Low:      60 * time.Microsecond,
	Write0Release:  10 * time.Microsecond,
	ReadLow:        6 * time.Microsecond,
	ReadSample:     9 * time.Microsecond,
	ReadRecovery:   55 * time.Microsecond,
	Pull:           gpio.Float,
	MaxDevices:     16,
}

// New returns a bus master driving the 1-wire bus attached to pin p.
//
// The pin must be wired open-drain style with an external pull-up; the
// master itself never drives the line high. Pass nil opts to use
// DefaultOpts.
func New(p gpio.PinIO, opts *Opts) (*Dev, error) {
	if p == nil {
		return nil, errors.New("onewiregpio: pin is required")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	o := *opts
	if o.MaxDevices <= 0 {
		o.MaxDevices = DefaultOpts.MaxDevices
	}
	d := &Dev{p: p, opts: o}
	// Release the line and make sure the pull-up asserts it; a line stuck
	// low means a short or a missing pull-up and no transaction can work.
	d.release()
	delay(o.ResetRecovery)
	if d.err != nil {
		return nil, d.err
	}
	if d.sample() == gpio.Low {
		return nil, shortedBusError("onewiregpio: bus is held low (short or missing pull-up)")
	}
	return d, nil
}

// Dev is a handle to a bit-banged 1-wire bus and implements onewire.Bus.
//
// Dev implements a persistent error model for GPIO faults: once the pin
// itself fails, every subsequent call returns the same error and a fresh
// Dev must be created. Conditions on the 1-wire bus (no presence, CRC
// mismatch) are ordinary errors implementing onewire.BusError and clear on
// the next transaction.
//
// Tx, Search and ReadROM serialize access with the embedded lock. The bit
// and byte level primitives do not take the lock; they belong to a caller
// performing its own transaction sequence, such as the presence monitor.
type Dev struct {
	sync.Mutex
	p    gpio.PinIO
	opts Opts
	err  error // persistent error, device will no longer operate
}

func (d *Dev) String() string {
	return fmt.Sprintf("onewiregpio{%s}", d.p)
}

// Halt implements conn.Resource; it releases the line.
func (d *Dev) Halt() error {
	d.release()
	return d.err
}

// Q returns the GPIO pin the bus is bit-banged on, implementing
// onewire.Pins.
func (d *Dev) Q() gpio.PinIO {
	return d.p
}

// Reset issues a reset pulse and samples the presence window. It returns
// true if at least one slave pulled the line low in response, and must
// precede every transaction.
func (d *Dev) Reset() (bool, error) {
	d.driveLow()
	delay(d.opts.ResetLow)
	d.release()
	delay(d.opts.PresenceDetect)
	present := d.sample() == gpio.Low
	delay(d.opts.ResetRecovery)
	if d.err != nil {
		return false, d.err
	}
	return present, nil
}

// WriteBit transmits a single bit. A 1 is a short low pulse followed by a
// long release, a 0 holds the line low for most of the slot.
func (d *Dev) WriteBit(b byte) error {
	if b&1 != 0 {
		d.driveLow()
		delay(d.opts.Write1Low)
		d.release()
		delay(d.opts.Write1Release)
	} else {
		d.driveLow()
		delay(d.opts.Write0Low)
		d.release()
		delay(d.opts.Write0Release)
	}
	return d.err
}

// ReadBit initiates a read slot and returns the bit the slave answered
// with. The sample must land inside the slave's response window, which is
// why the delays are not negotiable.
func (d *Dev) ReadBit() (byte, error) {
	d.driveLow()
	delay(d.opts.ReadLow)
	d.release()
	delay(d.opts.ReadSample)
	var b byte
	if d.sample() == gpio.High {
		b = 1
	}
	delay(d.opts.ReadRecovery)
	return b, d.err
}

// WriteByte transmits one byte, least-significant bit first.
func (d *Dev) WriteByte(b byte) error {
	for i := 0; i < 8; i++ {
		if err := d.WriteBit(b >> uint(i)); err != nil {
			return err
		}
	}
	return nil
}

// ReadByte receives one byte, least-significant bit first.
func (d *Dev) ReadByte() (byte, error) {
	var b byte
	for i := 0; i < 8; i++ {
		bit, err := d.ReadBit()
		if err != nil {
			return 0, err
		}
		b |= bit << uint(i)
	}
	return b, nil
}

// SearchTriplet reads an identity bit and its complement from the slaves
// participating in a search and writes back the resolved direction, so that
// only the slaves matching it stay on the bus.
//
// SearchTriplet should not be used directly, use Search instead.
func (d *Dev) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	var tr onewire.TripletResult
	idBit, err := d.ReadBit()
	if err != nil {
		return tr, err
	}
	cmpBit, err := d.ReadBit()
	if err != nil {
		return tr, err
	}
	tr = common.ResolveTriplet(idBit, cmpBit, direction)
	if err := d.WriteBit(tr.Taken); err != nil {
		return tr, err
	}
	return tr, nil
}

// Search performs a full Search-ROM enumeration and returns the addresses
// of all devices on the bus if alarmOnly is false and of all devices in
// alarm state if alarmOnly is true.
func (d *Dev) Search(alarmOnly bool) ([]onewire.Address, error) {
	d.Lock()
	defer d.Unlock()
	cmd := byte(common.CmdSearchROM)
	if alarmOnly {
		cmd = common.CmdAlarmSearch
	}
	return common.SearchROM(d, cmd, d.opts.MaxDevices)
}

// ReadROM reads the ROM code of the only slave on the bus with the Read-ROM
// command. With several slaves present their answers collide and the CRC
// check fails.
func (d *Dev) ReadROM() (onewire.Address, error) {
	d.Lock()
	defer d.Unlock()
	present, err := d.Reset()
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, noDevicesError("onewiregpio: no device present")
	}
	if err := d.WriteByte(common.CmdReadROM); err != nil {
		return 0, err
	}
	var rom [8]byte
	for i := range rom {
		if rom[i], err = d.ReadByte(); err != nil {
			return 0, err
		}
	}
	if !common.CheckROM(rom[:]) {
		return 0, busError("onewiregpio: invalid ROM CRC")
	}
	return romToAddress(rom), nil
}

// Tx performs a bus transaction: reset and presence check, then the writes,
// then the reads.
//
// Strong pull-up is refused: on an open-drain pin the only high level comes
// from the external pull-up, so parasitically powered slaves cannot be
// driven through this master.
func (d *Dev) Tx(w, r []byte, power onewire.Pullup) error {
	if power == onewire.StrongPullup {
		return errors.New("onewiregpio: strong pull-up is not supported on an open-drain pin")
	}
	d.Lock()
	defer d.Unlock()
	present, err := d.Reset()
	if err != nil {
		return err
	}
	if !present {
		return noDevicesError("onewiregpio: no device present")
	}
	for _, b := range w {
		if err := d.WriteByte(b); err != nil {
			return err
		}
	}
	for i := range r {
		if r[i], err = d.ReadByte(); err != nil {
			return err
		}
	}
	return d.err
}

// driveLow actively pulls the line to ground.
func (d *Dev) driveLow() {
	if d.err != nil {
		return
	}
	d.err = d.p.Out(gpio.Low)
}

// release puts the pin in high-impedance input mode; the external pull-up
// asserts the high level. The master never drives high.
func (d *Dev) release() {
	if d.err != nil {
		return
	}
	d.err = d.p.In(d.opts.Pull, gpio.NoEdge)
}

// sample returns the instantaneous line level.
func (d *Dev) sample() gpio.Level {
	if d.err != nil {
		return gpio.High
	}
	return d.p.Read()
}

func romToAddress(rom [8]byte) onewire.Address {
	var a onewire.Address
	for i := 7; i >= 0; i-- {
		a = a<<8 | onewire.Address(rom[i])
	}
	return a
}

// delay busy-waits for at least d. time.Sleep is not usable here: on a
// non-realtime kernel it overshoots microsecond sleeps by whole
// milliseconds and the slot framing would fall apart.
var delay = func(d time.Duration) {
	end := time.Now().Add(d)
	for time.Now().Before(end) {
	}
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

// noDevicesError implements error, onewire.BusError and
// onewire.NoDevicesError.
type noDevicesError string

func (e noDevicesError) Error() string   { return string(e) }
func (e noDevicesError) BusError() bool  { return true }
func (e noDevicesError) NoDevices() bool { return true }

// shortedBusError implements error, onewire.BusError and
// onewire.ShortedBusError.
type shortedBusError string

func (e shortedBusError) Error() string   { return string(e) }
func (e shortedBusError) BusError() bool  { return true }
func (e shortedBusError) IsShorted() bool { return true }

var _ conn.Resource = &Dev{}
var _ onewire.Bus = &Dev{}
var _ onewire.BusSearcher = &Dev{}
var _ onewire.Pins = &Dev{}
var _ common.Master = &Dev{}
