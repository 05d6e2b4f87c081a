// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewiresim models 1-wire slave devices at the bit-slot level so
// that bus masters can be tested without hardware.
//
// A Slave understands the reset/presence sequence, ROM function command
// decoding, Read-ROM and Search-ROM. The test harness owning the simulated
// line feeds it one slot at a time: ask every slave for its open-drain
// contribution with Transmit, resolve the wired-AND line level together
// with the master's drive, then advance every slave with Observe.
package onewiresim

import (
	"encoding/binary"

	"github.com/doorkit/onewire/common"
)

// ROM builds a CRC-valid 8-byte ROM code from a family code and a 48-bit
// serial number.
func ROM(family byte, serial uint64) [8]byte {
	var rom [8]byte
	binary.LittleEndian.PutUint64(rom[:], serial<<8|uint64(family))
	rom[7] = common.CRC8(rom[:7])
	return rom
}

// Slave protocol states.
const (
	stateIdle = iota // ignores slots until the next reset
	stateCommand
	stateReadROM
	stateSearch
)

// Slave is one simulated 1-wire slave.
type Slave struct {
	// ROM is the 8-byte ROM code the slave answers with. It does not have
	// to be CRC-valid; an invalid one simulates a corrupted or cloned
	// device.
	ROM [8]byte

	state  int
	cmd    byte
	nbits  int
	bitIdx int
	phase  int
}

// Reset arms the slave for a new transaction, as a reset pulse on the real
// bus would.
func (s *Slave) Reset() {
	s.state = stateCommand
	s.cmd = 0
	s.nbits = 0
	s.bitIdx = 0
	s.phase = 0
}

// Transmit returns the slave's contribution to the current slot: 0 when the
// slave pulls the line low, 1 when it leaves it released.
func (s *Slave) Transmit() byte {
	switch s.state {
	case stateReadROM:
		return s.romBit(s.bitIdx)
	case stateSearch:
		switch s.phase {
		case 0:
			return s.romBit(s.bitIdx)
		case 1:
			return s.romBit(s.bitIdx) ^ 1
		}
	}
	return 1
}

// Observe advances the slave's state with the resolved line level of the
// slot that just completed. line is the wired-AND of the master's drive and
// every slave's Transmit value.
func (s *Slave) Observe(line byte) {
	switch s.state {
	case stateCommand:
		s.cmd |= line << uint(s.nbits)
		s.nbits++
		if s.nbits < 8 {
			return
		}
		switch s.cmd {
		case common.CmdReadROM:
			s.state = stateReadROM
		case common.CmdSearchROM:
			s.state = stateSearch
		default:
			// Match-ROM, Skip-ROM and device-function commands are not
			// modelled; the slave just drops off until the next reset.
			s.state = stateIdle
		}
		s.bitIdx = 0
		s.phase = 0
	case stateReadROM:
		s.bitIdx++
		if s.bitIdx == 64 {
			s.state = stateIdle
		}
	case stateSearch:
		switch s.phase {
		case 0, 1:
			s.phase++
		default:
			if line != s.romBit(s.bitIdx) {
				// The master chose the other branch.
				s.state = stateIdle
				return
			}
			s.phase = 0
			s.bitIdx++
			if s.bitIdx == 64 {
				s.state = stateIdle
			}
		}
	}
}

func (s *Slave) romBit(i int) byte {
	return (s.ROM[i/8] >> uint(i%8)) & 1
}
