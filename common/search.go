// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package common

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/sirupsen/logrus"

	"periph.io/x/conn/v3/onewire"
)

// Master is the bit-level surface SearchROM needs from a bus master.
type Master interface {
	// Reset issues a reset pulse and reports whether any slave answered
	// with a presence pulse.
	Reset() (bool, error)
	// WriteByte writes one byte onto the bus, LSB first.
	WriteByte(b byte) error
	// SearchTriplet reads an identity bit and its complement from all
	// participating slaves and writes back the resolved direction, keeping
	// only the slaves that match it on the bus.
	SearchTriplet(direction byte) (onewire.TripletResult, error)
}

// SearchROM enumerates the ROM codes of the slaves on the bus and returns
// up to max of them as little-endian onewire.Address values (family code in
// the low byte, CRC in the high byte).
//
// cmd selects the participating population: CmdSearchROM for all slaves,
// CmdAlarmSearch for slaves in alarm state.
//
// Each pass walks the 64-bit binary address tree once, resolving bit
// conflicts toward the 1-branch and recording the newest unexplored
// 0-branch to take on the following pass; the enumeration is complete when
// a pass leaves no such branch behind. Candidates that fail the ROM CRC are
// logged and skipped without ending the enumeration. A pass during which no
// slave answers a branch is abandoned and ends the enumeration with
// whatever was found, as does a reset without a presence pulse; the
// caller's next search starts from scratch and acts as the retry.
func SearchROM(m Master, cmd byte, max int) ([]onewire.Address, error) {
	var found []onewire.Address
	var rom [8]byte
	last := -1 // newest unexplored 0-branch left by the previous pass
	// The pass bound guards against a noisy bus feeding an endless stream
	// of invalid branches; a static bus finishes in one pass per slave.
	for passes := 0; passes < 4*max && len(found) < max; passes++ {
		present, err := m.Reset()
		if err != nil {
			return found, err
		}
		if !present {
			return found, nil
		}
		if err := m.WriteByte(cmd); err != nil {
			return found, err
		}
		lastZero := -1
		aborted := false
		for i := 0; i < 64; i++ {
			var dir byte
			switch {
			case i < last:
				dir = romBit(&rom, i)
			case i == last:
				dir = 0
			default:
				dir = 1
			}
			tr, err := m.SearchTriplet(dir)
			if err != nil {
				return found, err
			}
			if !tr.GotZero && !tr.GotOne {
				// Both bits read 1: no slave answered this branch.
				aborted = true
				break
			}
			if tr.GotZero && tr.GotOne && tr.Taken != 0 {
				lastZero = i
			}
			setROMBit(&rom, i, tr.Taken)
		}
		if aborted {
			return found, nil
		}
		if CheckROM(rom[:]) && rom != [8]byte{} {
			found = append(found, onewire.Address(binary.LittleEndian.Uint64(rom[:])))
		} else {
			// An all-zero candidate passes the CRC trivially and means a
			// grounded line, so it is discarded the same way.
			logrus.WithField("rom", hex.EncodeToString(rom[:])).Debug("onewire: discarding search candidate with bad crc")
		}
		if lastZero < 0 {
			break
		}
		last = lastZero
	}
	return found, nil
}

// ResolveTriplet derives the triplet outcome from the identity bit and
// complement bit read off the bus. direction is the branch to take when the
// two bits conflict; a forced branch wins regardless of it.
func ResolveTriplet(idBit, cmpBit, direction byte) onewire.TripletResult {
	tr := onewire.TripletResult{GotZero: idBit == 0, GotOne: cmpBit == 0}
	switch {
	case tr.GotZero && tr.GotOne:
		if direction != 0 {
			tr.Taken = 1
		}
	case tr.GotZero:
		tr.Taken = 0
	default:
		// Forced 1 or no responder at all; the wire reads 1 either way.
		tr.Taken = 1
	}
	return tr
}

func romBit(rom *[8]byte, i int) byte {
	return (rom[i/8] >> uint(i%8)) & 1
}

func setROMBit(rom *[8]byte, i int, b byte) {
	if b != 0 {
		rom[i/8] |= 1 << uint(i%8)
	} else {
		rom[i/8] &^= 1 << uint(i%8)
	}
}
