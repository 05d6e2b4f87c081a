// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewire implements a 1-wire bus master on a bit-banged GPIO pin
// (plus a DS9097-style UART variant) and an iButton presence monitor built
// on top of it.
//
// The bus masters live in onewiregpio and onewireuart, the shared CRC8 and
// Search-ROM machinery in common, the card presence/identity state machine
// in ibutton and simulated slaves for hardware-free testing in onewiresim.
package onewire
