/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package servo turns sequences of (offset, delay) measurements into clock
corrections. The only implementation is a two-state Kalman filter tracking
phase and frequency offset of the local clock against the selected master.
*/
package servo

import (
	"time"
)

// State provides the result of servo calculation
type State uint8

// All the states of servo
const (
	// StateInit means the servo has not yet enough data to steer
	StateInit State = 0
	// StateJump means offset is too large, the clock should be stepped
	StateJump State = 1
	// StateLocked means the returned frequency should be applied
	StateLocked State = 2
	// StateFilter means the sample was treated as an outlier
	StateFilter State = 3
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateJump:
		return "JUMP"
	case StateLocked:
		return "LOCKED"
	case StateFilter:
		return "FILTER"
	}
	return "UNSUPPORTED"
}

// Measurement is a complete pairing of sync offset and path delay observed
// by a slave port
type Measurement struct {
	// Timestamp is the local receipt time of the Sync that produced the pairing
	Timestamp time.Time
	// Offset is offsetFromMaster: local clock minus master clock
	Offset time.Duration
	// Delay is the mean path delay of the pairing
	Delay time.Duration
	// SoftwareTimestamps marks pairings whose timestamps came from a
	// software fallback and so deserve less trust
	SoftwareTimestamps bool
}

// Servo is a clock servo abstraction
type Servo interface {
	// Sample consumes one measurement and returns the frequency adjustment
	// in PPM to apply to the clock, and the servo state. When the state is
	// StateJump the clock should be stepped by -m.Offset instead.
	Sample(m *Measurement) (float64, State)
	// SyncInterval informs the servo about the master's sync interval in seconds
	SyncInterval(seconds float64)
	// Reset returns the servo to the large-uncertainty initial state
	Reset()
	// OffsetFromMaster is the current phase offset estimate
	OffsetFromMaster() time.Duration
	// MeanDelay is the current smoothed path delay estimate
	MeanDelay() time.Duration
	// Stale reports whether no measurement arrived for too long and
	// steering should be suspended
	Stale(now time.Time) bool
}
