// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewiresim

import (
	"testing"

	"github.com/doorkit/onewire/common"
)

func TestROM(t *testing.T) {
	rom := ROM(0x01, 0x0038004f4ea1)
	want := [8]byte{0x01, 0xa1, 0x4e, 0x4f, 0x00, 0x38, 0x00, 0x3c}
	if rom != want {
		t.Fatalf("ROM() = %x, want %x", rom, want)
	}
	if !common.CheckROM(rom[:]) {
		t.Fatal("ROM() must be crc-valid")
	}
}

// writeByte clocks a command byte into the slaves, LSB first, with no slave
// pulling the line.
func writeByte(slaves []*Slave, b byte) {
	for i := 0; i < 8; i++ {
		line := (b >> uint(i)) & 1
		for _, s := range slaves {
			s.Transmit()
		}
		for _, s := range slaves {
			s.Observe(line)
		}
	}
}

func TestSlave_readROM(t *testing.T) {
	s := &Slave{ROM: ROM(0x01, 0x0000004f4ea1)}
	s.Reset()
	writeByte([]*Slave{s}, common.CmdReadROM)

	var got [8]byte
	for i := 0; i < 64; i++ {
		bit := s.Transmit()
		s.Observe(bit)
		got[i/8] |= bit << uint(i%8)
	}
	if got != s.ROM {
		t.Fatalf("streamed rom %x, want %x", got, s.ROM)
	}
	// Once the ROM is out, the slave releases the line for good.
	if s.Transmit() != 1 {
		t.Fatal("slave kept driving after the rom was read")
	}
}

func TestSlave_searchDropout(t *testing.T) {
	s := &Slave{ROM: ROM(0x01, 1)} // rom bit 0 is 1
	s.Reset()
	writeByte([]*Slave{s}, common.CmdSearchROM)

	// Identity bit and complement for bit 0.
	if got := s.Transmit(); got != 1 {
		t.Fatalf("identity bit = %d, want 1", got)
	}
	s.Observe(1)
	if got := s.Transmit(); got != 0 {
		t.Fatalf("complement bit = %d, want 0", got)
	}
	s.Observe(0)
	// Master writes the other branch; the slave must drop out.
	s.Transmit()
	s.Observe(0)
	if s.state != stateIdle {
		t.Fatal("slave stayed on the bus after a branch mismatch")
	}
}
