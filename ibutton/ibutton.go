// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ibutton tracks the presence and identity of an iButton-style
// device (typically an RFID reader emulating a DS1990A) on a 1-wire bus.
//
// A Monitor polls the bus, detects insertion and removal edges, reads and
// CRC-validates the device's ROM code and reports the transitions as
// events. The bus is inherently intermittent — a card joining or leaving
// the field is normal operation, not a fault — so every error is local to
// one poll and the next poll starts fresh.
package ibutton

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"periph.io/x/conn/v3"

	"github.com/doorkit/onewire/common"
)

// Family code of the specific device type.
type Family byte

func (f Family) String() string {
	switch f {
	case DS1990A:
		return "DS1990A"
	case DS1971:
		return "DS1971"
	default:
		return "unknown"
	}
}

// DS1990A is the serial-number iButton most RFID fobs and RW1990 clones
// emulate.
const DS1990A Family = 0x01
const DS1971 Family = 0x14

// UID is an 8-byte ROM code in bus order: family code, 6 serial bytes, CRC
// of the first 7 bytes.
type UID [8]byte

// Family returns the device family code.
func (u UID) Family() Family {
	return Family(u[0])
}

// CRC returns the trailing checksum byte.
func (u UID) CRC() byte {
	return u[7]
}

// Valid reports whether the trailing CRC matches the payload.
func (u UID) Valid() bool {
	return common.CheckROM(u[:])
}

// String returns the 16 upper-case hex characters of the ROM code, family
// byte first.
func (u UID) String() string {
	return fmt.Sprintf("%02X%02X%02X%02X%02X%02X%02X%02X",
		u[0], u[1], u[2], u[3], u[4], u[5], u[6], u[7])
}

// The SerialNN accessors read fixed ranges of the serial bytes as numbers.
// They are a rough convenience for matching the decimal number printed on
// a card and carry no protocol meaning whatsoever; different card vendors
// print different slices in different byte orders.

// Serial32BE reads serial bytes 1..4 big-endian.
func (u UID) Serial32BE() uint32 {
	return binary.BigEndian.Uint32(u[1:5])
}

// Serial32LE reads serial bytes 1..4 little-endian.
func (u UID) Serial32LE() uint32 {
	return binary.LittleEndian.Uint32(u[1:5])
}

// Serial40BE reads serial bytes 1..5 big-endian.
func (u UID) Serial40BE() uint64 {
	return uint64(u[1])<<32 | uint64(u[2])<<24 | uint64(u[3])<<16 | uint64(u[4])<<8 | uint64(u[5])
}

// Serial40LE reads serial bytes 1..5 little-endian.
func (u UID) Serial40LE() uint64 {
	return uint64(u[5])<<32 | uint64(u[4])<<24 | uint64(u[3])<<16 | uint64(u[2])<<8 | uint64(u[1])
}

// EventKind enumerates the presence transitions a Monitor reports.
type EventKind int

const (
	// CardPresent is emitted once when the bus transitions from empty to
	// occupied.
	CardPresent EventKind = iota
	// CardRemoved is emitted once when the device leaves the bus; the
	// event carries the last validated UID, if any.
	CardRemoved
	// CardUID is emitted when a freshly validated UID differs from the
	// last recorded one.
	CardUID
)

// Event is one presence or identity transition.
type Event struct {
	Kind EventKind
	UID  UID
}

func (e Event) String() string {
	switch e.Kind {
	case CardPresent:
		return "CARD_PRESENT"
	case CardRemoved:
		return "CARD_REMOVED"
	case CardUID:
		return "CARD_UID_HEX=" + e.UID.String()
	default:
		return "CARD_UNKNOWN"
	}
}

// Master is the bus surface the monitor needs: a reset/presence probe and
// raw byte transfer within the transaction the reset opened. Both
// onewiregpio.Dev and onewireuart.Dev implement it.
type Master interface {
	Reset() (bool, error)
	WriteByte(b byte) error
	ReadByte() (byte, error)
}

// Opts contains options to pass to the constructor.
type Opts struct {
	// Interval is the polling cadence. Default 50ms.
	Interval time.Duration
	// Logger receives per-poll diagnostics. Default is the logrus standard
	// logger.
	Logger *logrus.Logger
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Interval: 50 * time.Millisecond,
}

// New returns a monitor polling the bus behind m. Call Run to start
// polling and Halt to stop; Poll runs a single cycle synchronously.
func New(m Master, opts *Opts) (*Monitor, error) {
	if m == nil {
		return nil, errors.New("ibutton: bus master is required")
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultOpts.Interval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Monitor{
		bus:      m,
		interval: interval,
		log:      logger.WithField("comp", "ibutton"),
		events:   make(chan Event, 8),
		done:     make(chan struct{}),
	}, nil
}

// Monitor is the presence and identity state machine. Its belief about the
// bus is either "absent" or "present with this validated UID"; transitions
// are edge-triggered, one event per physical change.
type Monitor struct {
	bus      Master
	interval time.Duration
	log      *logrus.Entry
	events   chan Event
	done     chan struct{}
	halt     sync.Once

	mu sync.Mutex
	st session
}

// session is the explicit state carried from one poll to the next.
type session struct {
	present bool
	haveUID bool
	uid     UID
}

// Events returns the channel the monitor reports transitions on. It is
// closed when Run returns.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// State returns the current belief: whether a device is present, the last
// validated UID and whether one was ever validated.
func (m *Monitor) State() (present bool, uid UID, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.present, m.st.uid, m.st.haveUID
}

// Poll runs exactly one polling cycle and returns the events it produced.
//
// A failed CRC discards the read and leaves the previous identity in
// place; the next poll is the retry. Bus errors likewise leave the state
// untouched.
func (m *Monitor) Poll() ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, evs, err := m.step(m.st)
	if err != nil {
		return nil, err
	}
	m.st = next
	return evs, nil
}

func (m *Monitor) step(s session) (session, []Event, error) {
	present, err := m.bus.Reset()
	if err != nil {
		return s, nil, err
	}
	if !present {
		if !s.present {
			return s, nil, nil
		}
		s.present = false
		return s, []Event{{Kind: CardRemoved, UID: s.uid}}, nil
	}
	var evs []Event
	if !s.present {
		s.present = true
		evs = append(evs, Event{Kind: CardPresent})
	}
	// The reset that just detected presence opens the transaction; issue
	// Read-ROM directly on it.
	if err := m.bus.WriteByte(common.CmdReadROM); err != nil {
		return s, evs, err
	}
	var uid UID
	for i := range uid {
		if uid[i], err = m.bus.ReadByte(); err != nil {
			return s, evs, err
		}
	}
	if !uid.Valid() {
		// Transient bus noise; keep the previous identity.
		m.log.WithField("rom", uid.String()).Debug("discarding ROM read with bad crc")
		return s, evs, nil
	}
	if !s.haveUID || uid != s.uid {
		s.uid = uid
		s.haveUID = true
		evs = append(evs, Event{Kind: CardUID, UID: uid})
	}
	return s, evs, nil
}

// Run polls the bus on the configured cadence until Halt is called. Poll
// errors are logged and absorbed: the bus is expected to be noisy and the
// next cycle re-synchronizes it with a fresh reset.
func (m *Monitor) Run() {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	defer close(m.events)
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			evs, err := m.Poll()
			if err != nil {
				m.log.WithError(err).Warn("poll failed")
				continue
			}
			for _, ev := range evs {
				m.log.WithField("event", ev.String()).Debug("transition")
				select {
				case m.events <- ev:
				case <-m.done:
					return
				}
			}
		}
	}
}

// Halt implements conn.Resource; it stops Run.
func (m *Monitor) Halt() error {
	m.halt.Do(func() { close(m.done) })
	return nil
}

func (m *Monitor) String() string {
	return fmt.Sprintf("ibutton{%v}", m.bus)
}

var _ conn.Resource = &Monitor{}
