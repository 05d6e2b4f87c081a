// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains the pieces shared by the 1-wire bus masters: the
// Dallas/Maxim CRC8, the ROM function command set and the Search-ROM
// enumeration algorithm.
package common

// 1-wire ROM function commands.
const (
	CmdReadROM     = 0x33
	CmdMatchROM    = 0x55
	CmdSkipROM     = 0xcc
	CmdSearchROM   = 0xf0
	CmdAlarmSearch = 0xec
)

// CRC8 calculates the Dallas/Maxim 8-bit CRC (polynomial 0x8C, bits
// processed LSB first, register seeded to zero) of the byte slice parameter
// and returns the calculated value. Every 1-wire ROM code carries this CRC
// of its first 7 bytes in its 8th byte.
func CRC8(bytes []byte) byte {
	var crc byte
	for _, val := range bytes {
		for i := 0; i < 8; i++ {
			mix := (crc ^ val) & 0x01
			crc >>= 1
			if mix != 0 {
				crc ^= 0x8c
			}
			val >>= 1
		}
	}
	return crc
}

// CheckROM returns true if rom is a full 8-byte ROM code whose trailing CRC
// byte matches the CRC8 of the leading 7 bytes.
func CheckROM(rom []byte) bool {
	return len(rom) == 8 && CRC8(rom[:7]) == rom[7]
}
