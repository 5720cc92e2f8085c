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

package daemon

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opentimed/ptpd/clock"
	"github.com/opentimed/ptpd/ptp/datasets"
	ptp "github.com/opentimed/ptpd/ptp/protocol"
)

// sysClock steers CLOCK_REALTIME through clock_adjtime(2). It implements
// instance.Clock.
type sysClock struct {
	clockid int32
	quality ptp.ClockQuality
}

func newSysClock(quality ptp.ClockQuality) *sysClock {
	return &sysClock{
		clockid: clock.RealTime,
		quality: quality,
	}
}

// Now is the current reading of the clock
func (c *sysClock) Now() time.Time {
	return time.Now()
}

// Step applies a hard phase step
func (c *sysClock) Step(step time.Duration) error {
	log.Warningf("stepping clock by %v", step)
	_, err := clock.Step(c.clockid, step)
	return err
}

// AdjustFrequencyPPM steers the clock frequency
func (c *sysClock) AdjustFrequencyPPM(freqPPM float64) error {
	_, err := clock.AdjFreqPPB(c.clockid, freqPPM*1000)
	return err
}

// SetProperties applies the timescale of the newly selected grandmaster
func (c *sysClock) SetProperties(tp *datasets.TimePropertiesDS) error {
	if tp.PTPTimescale && tp.CurrentUTCOffsetValid {
		if _, err := clock.SetTAIOffset(c.clockid, int32(tp.CurrentUTCOffset)); err != nil {
			return err
		}
	}
	return clock.SetSync(c.clockid)
}

// Quality describes this clock for BMCA purposes
func (c *sysClock) Quality() ptp.ClockQuality {
	return c.quality
}
