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

package instance

import (
	"time"

	"github.com/opentimed/ptpd/ptp/datasets"
	ptp "github.com/opentimed/ptpd/ptp/protocol"
)

// Clock is the local clock capability handed to the instance at
// construction. Implementations must not block: on hosted platforms these
// are thin wrappers around clock_adjtime(2) style syscalls, in tests a
// simulated clock.
type Clock interface {
	// Now is the current reading of the clock
	Now() time.Time
	// Step applies a hard phase step
	Step(step time.Duration) error
	// AdjustFrequencyPPM steers the clock frequency, in parts per million
	AdjustFrequencyPPM(freqPPM float64) error
	// SetProperties tells the clock about the timescale of the newly
	// selected grandmaster
	SetProperties(tp *datasets.TimePropertiesDS) error
	// Quality describes this clock for BMCA purposes
	Quality() ptp.ClockQuality
}
