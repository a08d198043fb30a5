// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbus

import (
	"fmt"
)

// SearchMode selects the ROM command issued by a search pass.
type SearchMode bool

const (
	// NormalSearch enumerates every device (SEARCH ROM).
	NormalSearch SearchMode = true
	// ConditionalSearch enumerates only devices in alarm state (CONDITIONAL
	// SEARCH).
	ConditionalSearch SearchMode = false
)

func (m SearchMode) String() string {
	if m == NormalSearch {
		return "normal"
	}
	return "conditional"
}

func (m SearchMode) command() byte {
	if m == NormalSearch {
		return CmdSearchROM
	}
	return CmdConditionalSearch
}

// SearchState is the memory of the ROM search between two passes.
//
// Bit positions are counted from 1 to 64; 0 means none.
type SearchState struct {
	// ROM holds the code found by the last pass.
	ROM ROM
	// LastDiscrepancy is the bit position where the last pass took the 0
	// branch of an unexplored fork.
	LastDiscrepancy int
	// LastFamilyDiscrepancy is the same as LastDiscrepancy restricted to the
	// family code bits.
	LastFamilyDiscrepancy int
	// LastDevice is set once the last device has been found.
	LastDevice bool
}

// Reset clears s so that the next pass starts a new enumeration.
func (s *SearchState) Reset() {
	*s = SearchState{}
}

// Fresh returns true when the next pass starts a new enumeration.
func (s *SearchState) Fresh() bool {
	return s.LastDiscrepancy == 0 && !s.LastDevice
}

// Target seeds s so that the next pass finds the first device of the family,
// if any.
func (s *SearchState) Target(family byte) {
	*s = SearchState{LastDiscrepancy: 64}
	s.ROM[0] = family
}

// forget drops the progress of the enumeration but keeps the last code.
func (s *SearchState) forget() {
	s.LastDiscrepancy = 0
	s.LastFamilyDiscrepancy = 0
	s.LastDevice = false
}

// ResetSearch restarts the enumeration on the next SearchNext call.
func (b *Bus) ResetSearch() {
	b.state.Reset()
}

// TargetSearch makes the next SearchNext call return the first device of the
// family. Devices of the family are found first; the caller stops as soon as
// a code of another family comes up.
func (b *Bus) TargetSearch(family byte) {
	b.state.Target(family)
}

// State returns a copy of the current search state.
func (b *Bus) State() SearchState {
	return b.state
}

// SearchNext runs one pass of the ROM search and returns the next device.
//
// found is false once the enumeration is exhausted, when no device answers or
// when the pass was aborted. The state is then cleared so the next call starts
// over. The order of the results only depends on the codes on the bus.
func (b *Bus) SearchNext(mode SearchMode) (ROM, bool, error) {
	s := &b.state
	ok := false
	if !s.LastDevice {
		var err error
		if ok, err = b.searchPass(mode); err != nil {
			s.forget()
			return ROM{}, false, err
		}
	}
	if !ok || s.ROM[0] == 0 {
		s.forget()
		return ROM{}, false, nil
	}
	return s.ROM, true, nil
}

// searchPass walks the 64 bits of one branch of the ROM tree.
func (b *Bus) searchPass(mode SearchMode) (bool, error) {
	s := &b.state
	present, err := b.Reset()
	if err != nil {
		return false, err
	}
	if !present {
		return false, nil
	}
	if err := b.Write([]byte{mode.command()}, false); err != nil {
		return false, err
	}
	lastZero := 0
	for pos := 1; pos <= 64; pos++ {
		id, err := b.ReadBit()
		if err != nil {
			return false, err
		}
		cmp, err := b.ReadBit()
		if err != nil {
			return false, err
		}
		if id && cmp {
			// Nobody answered.
			return false, nil
		}
		i, mask := (pos-1)/8, byte(1)<<uint((pos-1)%8)
		dir := id
		if id == cmp {
			if pos < s.LastDiscrepancy {
				dir = s.ROM[i]&mask != 0
			} else {
				dir = pos == s.LastDiscrepancy
			}
			if !dir {
				lastZero = pos
				if lastZero < 9 {
					s.LastFamilyDiscrepancy = lastZero
				}
			}
		}
		if dir {
			s.ROM[i] |= mask
		} else {
			s.ROM[i] &^= mask
		}
		if err := b.WriteBit(dir, false); err != nil {
			return false, err
		}
	}
	s.LastDiscrepancy = lastZero
	if lastZero == 0 {
		s.LastDevice = true
	}
	return true, nil
}

// Enumerate restarts the search and returns every device found with mode.
//
// On error the codes found so far are returned with it.
func (b *Bus) Enumerate(mode SearchMode) ([]ROM, error) {
	b.ResetSearch()
	var roms []ROM
	seen := map[ROM]bool{}
	for {
		rom, found, err := b.SearchNext(mode)
		if err != nil {
			return roms, err
		}
		if !found {
			return roms, nil
		}
		if seen[rom] {
			return roms, fmt.Errorf("owbus: search returned %s twice", rom)
		}
		seen[rom] = true
		roms = append(roms, rom)
		if b.verifyCRC && !rom.Valid() {
			return roms, fmt.Errorf("owbus: found %s: %w", rom, ErrCRC)
		}
	}
}
