// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ibutton

import (
	"reflect"
	"testing"
	"time"

	"github.com/doorkit/onewire/common"
)

// fakeMaster scripts the bus the monitor polls: presence on/off, the ROM it
// answers Read-ROM with and optional corruption of the CRC byte.
type fakeMaster struct {
	present  bool
	rom      UID
	breakCRC bool
	resetErr error
	idx      int
	cmds     []byte
}

func (f *fakeMaster) Reset() (bool, error) {
	return f.present, f.resetErr
}

func (f *fakeMaster) WriteByte(b byte) error {
	f.cmds = append(f.cmds, b)
	if b == common.CmdReadROM {
		f.idx = 0
	}
	return nil
}

func (f *fakeMaster) ReadByte() (byte, error) {
	b := f.rom[f.idx%8]
	if f.breakCRC && f.idx%8 == 7 {
		b ^= 0xff
	}
	f.idx++
	return b, nil
}

func romUID(payload [7]byte) UID {
	var u UID
	copy(u[:7], payload[:])
	u[7] = common.CRC8(u[:7])
	return u
}

var (
	cardA = romUID([7]byte{0x01, 0xa1, 0x4e, 0x4f, 0x00, 0x38, 0x00})
	cardB = romUID([7]byte{0x01, 0xaf, 0x9a, 0x4a, 0x00, 0x38, 0x00})
)

func newMonitor(t *testing.T, f *fakeMaster) *Monitor {
	m, err := New(f, nil)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func kinds(evs []Event) []EventKind {
	var ks []EventKind
	for _, e := range evs {
		ks = append(ks, e.Kind)
	}
	return ks
}

func TestPoll_insertion(t *testing.T) {
	f := &fakeMaster{present: true, rom: cardA}
	m := newMonitor(t, f)
	evs, err := m.Poll()
	if err != nil {
		t.Fatal(err)
	}
	if want := []EventKind{CardPresent, CardUID}; !reflect.DeepEqual(kinds(evs), want) {
		t.Fatalf("events %v, want %v", evs, want)
	}
	if evs[1].UID != cardA {
		t.Fatalf("uid %s, want %s", evs[1].UID, cardA)
	}
	if present, uid, ok := m.State(); !present || !ok || uid != cardA {
		t.Fatalf("state = (%t, %s, %t)", present, uid, ok)
	}
}

func TestPoll_edgeTriggered(t *testing.T) {
	f := &fakeMaster{present: true, rom: cardA}
	m := newMonitor(t, f)
	if _, err := m.Poll(); err != nil {
		t.Fatal(err)
	}
	// Steady presence with an unchanged card stays silent.
	for i := 0; i < 5; i++ {
		evs, err := m.Poll()
		if err != nil {
			t.Fatal(err)
		}
		if len(evs) != 0 {
			t.Fatalf("poll %d produced %v while nothing changed", i, evs)
		}
	}
	// Removal fires exactly once and carries the last UID.
	f.present = false
	evs, err := m.Poll()
	if err != nil {
		t.Fatal(err)
	}
	if want := []EventKind{CardRemoved}; !reflect.DeepEqual(kinds(evs), want) {
		t.Fatalf("events %v, want %v", evs, want)
	}
	if evs[0].UID != cardA {
		t.Fatalf("removal uid %s, want %s", evs[0].UID, cardA)
	}
	for i := 0; i < 5; i++ {
		evs, err := m.Poll()
		if err != nil {
			t.Fatal(err)
		}
		if len(evs) != 0 {
			t.Fatalf("poll %d produced %v on an idle bus", i, evs)
		}
	}
}

func TestPoll_sameCardAgain(t *testing.T) {
	f := &fakeMaster{present: true, rom: cardA}
	m := newMonitor(t, f)
	if _, err := m.Poll(); err != nil {
		t.Fatal(err)
	}
	f.present = false
	if _, err := m.Poll(); err != nil {
		t.Fatal(err)
	}
	// Re-presenting the same card announces presence but not a new UID.
	f.present = true
	evs, err := m.Poll()
	if err != nil {
		t.Fatal(err)
	}
	if want := []EventKind{CardPresent}; !reflect.DeepEqual(kinds(evs), want) {
		t.Fatalf("events %v, want %v", evs, want)
	}
}

func TestPoll_cardSwap(t *testing.T) {
	f := &fakeMaster{present: true, rom: cardA}
	m := newMonitor(t, f)
	if _, err := m.Poll(); err != nil {
		t.Fatal(err)
	}
	f.present = false
	if _, err := m.Poll(); err != nil {
		t.Fatal(err)
	}
	f.present = true
	f.rom = cardB
	evs, err := m.Poll()
	if err != nil {
		t.Fatal(err)
	}
	if want := []EventKind{CardPresent, CardUID}; !reflect.DeepEqual(kinds(evs), want) {
		t.Fatalf("events %v, want %v", evs, want)
	}
	if evs[1].UID != cardB {
		t.Fatalf("uid %s, want %s", evs[1].UID, cardB)
	}
}

func TestPoll_crcFailureKeepsIdentity(t *testing.T) {
	f := &fakeMaster{present: true, rom: cardA}
	m := newMonitor(t, f)
	if _, err := m.Poll(); err != nil {
		t.Fatal(err)
	}
	// The card stays in the field but the read is corrupted: no events,
	// stored identity untouched.
	f.rom = cardB
	f.breakCRC = true
	evs, err := m.Poll()
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 0 {
		t.Fatalf("corrupted poll produced %v", evs)
	}
	if _, uid, _ := m.State(); uid != cardA {
		t.Fatalf("crc failure overwrote the stored uid: %s", uid)
	}
	// Once the read heals, the new identity is reported.
	f.breakCRC = false
	evs, err = m.Poll()
	if err != nil {
		t.Fatal(err)
	}
	if want := []EventKind{CardUID}; !reflect.DeepEqual(kinds(evs), want) {
		t.Fatalf("events %v, want %v", evs, want)
	}
	if evs[0].UID != cardB {
		t.Fatalf("uid %s, want %s", evs[0].UID, cardB)
	}
}

func TestPoll_resetErrorLeavesState(t *testing.T) {
	f := &fakeMaster{present: true, rom: cardA}
	m := newMonitor(t, f)
	if _, err := m.Poll(); err != nil {
		t.Fatal(err)
	}
	f.resetErr = testError("wire fell off")
	if _, err := m.Poll(); err == nil {
		t.Fatal("expected the bus error to propagate")
	}
	if present, uid, _ := m.State(); !present || uid != cardA {
		t.Fatal("a failed poll must not change the state")
	}
}

func TestRun_eventsAndHalt(t *testing.T) {
	f := &fakeMaster{present: true, rom: cardA}
	m, err := New(f, &Opts{Interval: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	go m.Run()
	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-m.Events():
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}
	if want := []EventKind{CardPresent, CardUID}; !reflect.DeepEqual(kinds(got), want) {
		t.Fatalf("events %v, want %v", got, want)
	}
	if err := m.Halt(); err != nil {
		t.Fatal(err)
	}
	// The events channel closes once Run drains out.
	for range m.Events() {
	}
	if err := m.Halt(); err != nil {
		t.Fatal(err)
	}
}

func TestUID_accessors(t *testing.T) {
	u := cardA
	if u.Family() != DS1990A {
		t.Errorf("family %s, want DS1990A", u.Family())
	}
	if u.Family().String() != "DS1990A" {
		t.Error(u.Family().String())
	}
	if u.CRC() != 0x3c {
		t.Errorf("crc %#02x, want 0x3c", u.CRC())
	}
	if !u.Valid() {
		t.Error("cardA must validate")
	}
	if s := u.String(); s != "01A14E4F0038003C" {
		t.Error(s)
	}
	if got := u.Serial32BE(); got != 0xa14e4f00 {
		t.Errorf("Serial32BE %#08x, want 0xa14e4f00", got)
	}
	if got := u.Serial32LE(); got != 0x004f4ea1 {
		t.Errorf("Serial32LE %#08x, want 0x004f4ea1", got)
	}
	if got := u.Serial40BE(); got != 0xa14e4f0038 {
		t.Errorf("Serial40BE %#010x, want 0xa14e4f0038", got)
	}
	if got := u.Serial40LE(); got != 0x38004f4ea1 {
		t.Errorf("Serial40LE %#010x, want 0x38004f4ea1", got)
	}
}

func TestEvent_strings(t *testing.T) {
	var tests = []struct {
		ev   Event
		want string
	}{
		{Event{Kind: CardPresent}, "CARD_PRESENT"},
		{Event{Kind: CardRemoved, UID: cardA}, "CARD_REMOVED"},
		{Event{Kind: CardUID, UID: cardA}, "CARD_UID_HEX=01A14E4F0038003C"},
	}
	for _, test := range tests {
		if got := test.ev.String(); got != test.want {
			t.Errorf("String() = %q, want %q", got, test.want)
		}
	}
}

func TestNew_nilMaster(t *testing.T) {
	if m, err := New(nil, nil); m != nil || err == nil {
		t.Fatal("expected an error for a nil master")
	}
}

type testError string

func (e testError) Error() string { return string(e) }
