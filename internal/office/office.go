// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package office derives the canonical CWC office code for a legislative
// seat. The code is a pure function of (chamber, state, district) and is
// recomputed wherever it is needed — it is never stored, so it cannot
// drift from its inputs.
package office

import (
	"fmt"
	"strconv"
	"strings"
)

// Chamber identifies which legislative body an office belongs to.
type Chamber string

const (
	Senate Chamber = "senate"
	House  Chamber = "house"
)

// Office represents one legislative seat's constituent-message mailbox.
// District carries the House district number, or the Senate seat slot
// (1–3, empty meaning slot 1).
type Office struct {
	Chamber    Chamber
	State      string
	District   string
	BioguideID string
}

// Code returns the canonical office code for this office.
func (o Office) Code() (string, error) {
	return ResolveCode(o.Chamber, o.State, o.District)
}

// voting lists the 50 states the protocol accepts. Non-voting delegate
// territories (DC, PR, GU, AS, VI, MP) are not addressable through CWC.
var voting = map[string]bool{
	"AL": true, "AK": true, "AZ": true, "AR": true, "CA": true,
	"CO": true, "CT": true, "DE": true, "FL": true, "GA": true,
	"HI": true, "ID": true, "IL": true, "IN": true, "IA": true,
	"KS": true, "KY": true, "LA": true, "ME": true, "MD": true,
	"MA": true, "MI": true, "MN": true, "MS": true, "MO": true,
	"MT": true, "NE": true, "NV": true, "NH": true, "NJ": true,
	"NM": true, "NY": true, "NC": true, "ND": true, "OH": true,
	"OK": true, "OR": true, "PA": true, "RI": true, "SC": true,
	"SD": true, "TN": true, "TX": true, "UT": true, "VT": true,
	"VA": true, "WA": true, "WV": true, "WI": true, "WY": true,
}

// maxHouseDistrict is the largest district number any state currently has.
const maxHouseDistrict = 53

// ResolveCode maps (chamber, state, district) to the canonical office code
// the protocol expects.
//
//   - House: "H" + state + two-digit district. At-large seats ("", "0",
//     "00", "AL") use the reserved token "00".
//   - Senate: "S" + state + seat slot in {01, 02, 03}. An empty district
//     means slot 01. Slot 03 is reserved for edge cases the directory
//     occasionally emits.
//
// A state or district that cannot map to a known seat returns
// *InvalidJurisdictionError. That condition is terminal — callers must not
// retry it.
func ResolveCode(chamber Chamber, state, district string) (string, error) {
	st := strings.ToUpper(strings.TrimSpace(state))
	if !voting[st] {
		return "", &InvalidJurisdictionError{State: st, District: district,
			Reason: "state is not addressable through the protocol"}
	}

	switch chamber {
	case Senate:
		slot, err := senateSlot(district)
		if err != nil {
			return "", &InvalidJurisdictionError{State: st, District: district, Reason: err.Error()}
		}
		return fmt.Sprintf("S%s%02d", st, slot), nil

	case House:
		d, err := houseDistrict(district)
		if err != nil {
			return "", &InvalidJurisdictionError{State: st, District: district, Reason: err.Error()}
		}
		return fmt.Sprintf("H%s%02d", st, d), nil

	default:
		return "", &InvalidJurisdictionError{State: st, District: district,
			Reason: fmt.Sprintf("unknown chamber %q", chamber)}
	}
}

// senateSlot parses a senate seat slot. Empty means slot 1.
func senateSlot(district string) (int, error) {
	d := strings.TrimSpace(district)
	if d == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(d)
	if err != nil || n < 1 || n > 3 {
		return 0, fmt.Errorf("senate seat slot must be 1-3, got %q", district)
	}
	return n, nil
}

// houseDistrict parses a house district number. At-large markers map to
// the reserved token 0.
func houseDistrict(district string) (int, error) {
	d := strings.ToUpper(strings.TrimSpace(district))
	if d == "" || d == "0" || d == "00" || d == "AL" {
		return 0, nil
	}
	n, err := strconv.Atoi(d)
	if err != nil || n < 1 || n > maxHouseDistrict {
		return 0, fmt.Errorf("house district must be 1-%d or at-large, got %q", maxHouseDistrict, district)
	}
	return n, nil
}

// InvalidJurisdictionError reports a (state, district) pair that does not
// map to any seat the protocol can deliver to.
type InvalidJurisdictionError struct {
	State    string
	District string
	Reason   string
}

func (e *InvalidJurisdictionError) Error() string {
	return fmt.Sprintf("invalid jurisdiction %s-%s: %s", e.State, e.District, e.Reason)
}

// IsInvalidJurisdiction reports whether err is an InvalidJurisdictionError.
func IsInvalidJurisdiction(err error) bool {
	_, ok := err.(*InvalidJurisdictionError)
	return ok
}
