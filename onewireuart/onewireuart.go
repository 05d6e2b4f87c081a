// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewireuart implements a 1-wire bus master over a DS9097-style
// passive serial adapter.
//
// The UART generates the bus timing: a reset pulse is the 0xF0 character
// sent at 9600 baud, and every data slot is one character at 115200 baud —
// 0xFF for a write-1 or read slot, 0x00 for a write-0. Because TX and RX
// share the line, each character is echoed back; a slave pulling the line
// low shortens the echoed high bits, which is how presence pulses and 0
// bits are observed. See Maxim application note 214.
package onewireuart

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"

	"github.com/doorkit/onewire/common"
)

const (
	resetBaud = 9600
	slotBaud  = 115200
)

// Opts contains options to pass to the constructor.
type Opts struct {
	MaxDevices int // upper bound on a single Search enumeration
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	MaxDevices: 16,
}

// New returns a bus master talking through the serial adapter on the named
// device, e.g. "/dev/ttyUSB0". Pass nil opts to use DefaultOpts.
func New(device string, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	o := *opts
	if o.MaxDevices <= 0 {
		o.MaxDevices = DefaultOpts.MaxDevices
	}
	p, err := openPort(device, slotBaud)
	if err != nil {
		return nil, fmt.Errorf("onewireuart: error while opening %s: %s", device, err)
	}
	return &Dev{device: device, port: p, baud: slotBaud, opts: o}, nil
}

// Dev is a handle to a 1-wire bus behind a passive UART adapter and
// implements onewire.Bus.
//
// Tx, Search and ReadROM serialize access with the embedded lock; the bit
// and byte level primitives belong to a caller performing its own
// transaction sequence.
type Dev struct {
	sync.Mutex
	device string
	port   serialPort
	baud   int
	opts   Opts
}

func (d *Dev) String() string {
	return fmt.Sprintf("onewireuart{%s}", d.device)
}

// Close implements onewire.BusCloser.
func (d *Dev) Close() error {
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	return err
}

// Halt implements conn.Resource; it closes the port.
func (d *Dev) Halt() error {
	return d.Close()
}

// Reset issues a reset pulse at the lower baud rate and decodes the
// presence answer from the echoed character.
func (d *Dev) Reset() (bool, error) {
	if err := d.setBaud(resetBaud); err != nil {
		return false, err
	}
	echo, err := d.exchange(0xf0)
	// Switch back before looking at the outcome so a presence error does
	// not leave the port at the wrong rate.
	if berr := d.setBaud(slotBaud); berr != nil {
		return false, berr
	}
	if err != nil {
		return false, err
	}
	if echo == 0xf0 {
		// The pulse came back untouched: nobody home.
		return false, nil
	}
	if echo&0x0f != 0 {
		return false, busError(fmt.Sprintf("onewireuart: malformed reset echo %#02x", echo))
	}
	return true, nil
}

// WriteBit transmits a single bit and verifies the echo; a mismatch means
// something else drove the bus during the slot.
func (d *Dev) WriteBit(b byte) error {
	c := byte(0x00)
	if b&1 != 0 {
		c = 0xff
	}
	echo, err := d.exchange(c)
	if err != nil {
		return err
	}
	if echo != c {
		return busError(fmt.Sprintf("onewireuart: bus noise while writing bit (sent %#02x, echo %#02x)", c, echo))
	}
	return nil
}

// ReadBit runs a read slot. The slave pulls the 0xFF carrier low to answer
// 0; an untouched echo is a 1.
func (d *Dev) ReadBit() (byte, error) {
	echo, err := d.exchange(0xff)
	if err != nil {
		return 0, err
	}
	if echo == 0xff {
		return 1, nil
	}
	return 0, nil
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
// participating in a search and writes back the resolved direction.
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
// command.
func (d *Dev) ReadROM() (onewire.Address, error) {
	d.Lock()
	defer d.Unlock()
	present, err := d.Reset()
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, noDevicesError("onewireuart: no device present")
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
		return 0, busError("onewireuart: invalid ROM CRC")
	}
	var a onewire.Address
	for i := 7; i >= 0; i-- {
		a = a<<8 | onewire.Address(rom[i])
	}
	return a, nil
}

// Tx performs a bus transaction: reset and presence check, then the writes,
// then the reads. Strong pull-up is refused, a passive adapter has no way
// to provide it.
func (d *Dev) Tx(w, r []byte, power onewire.Pullup) error {
	if power == onewire.StrongPullup {
		return errors.New("onewireuart: strong pull-up is not supported by a passive adapter")
	}
	d.Lock()
	defer d.Unlock()
	present, err := d.Reset()
	if err != nil {
		return err
	}
	if !present {
		return noDevicesError("onewireuart: no device present")
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
	return nil
}

// exchange sends one slot character and returns its echo.
func (d *Dev) exchange(c byte) (byte, error) {
	if d.port == nil {
		return 0, errors.New("onewireuart: port is closed")
	}
	if err := d.port.Flush(); err != nil {
		return 0, fmt.Errorf("onewireuart: error while flushing: %s", err)
	}
	if _, err := d.port.Write([]byte{c}); err != nil {
		return 0, fmt.Errorf("onewireuart: write error: %s", err)
	}
	var echo [1]byte
	if _, err := io.ReadFull(d.port, echo[:]); err != nil {
		return 0, fmt.Errorf("onewireuart: echo read error: %s", err)
	}
	return echo[0], nil
}

// setBaud reopens the port at the requested rate. The adapter is passive,
// the rate alone decides whether a character is a reset pulse or a slot.
func (d *Dev) setBaud(baud int) error {
	if d.baud == baud {
		return nil
	}
	if d.port != nil {
		if err := d.port.Close(); err != nil {
			return fmt.Errorf("onewireuart: error while closing %s: %s", d.device, err)
		}
	}
	p, err := openPort(d.device, baud)
	if err != nil {
		return fmt.Errorf("onewireuart: error while reopening %s: %s", d.device, err)
	}
	d.port = p
	d.baud = baud
	return nil
}

// serialPort is the part of *serial.Port this package uses; tests provide
// their own.
type serialPort interface {
	io.ReadWriteCloser
	Flush() error
}

var openPort = func(device string, baud int) (serialPort, error) {
	return serial.OpenPort(&serial.Config{
		Name:        device,
		Baud:        baud,
		ReadTimeout: 3 * time.Second,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
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

var _ conn.Resource = &Dev{}
var _ onewire.Bus = &Dev{}
var _ onewire.BusCloser = &Dev{}
var _ onewire.BusSearcher = &Dev{}
var _ common.Master = &Dev{}
