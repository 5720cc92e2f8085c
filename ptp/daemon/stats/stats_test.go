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

package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentimed/ptpd/ptp/instance"
	"github.com/opentimed/ptpd/ptp/port"
)

func TestJSONStatsCounters(t *testing.T) {
	s := NewJSONStats()
	s.SetCounter("utcoffset_sec", 37)
	s.UpdateCounterBy("reload", 1)
	s.UpdateCounterBy("reload", 1)

	all := s.counters.toMap()
	assert.Equal(t, int64(37), all["utcoffset_sec"])
	assert.Equal(t, int64(2), all["reload"])
}

func TestSnapshotCounters(t *testing.T) {
	snap := &instance.Snapshot{
		StepsRemoved:     1,
		OffsetFromMaster: 42 * time.Nanosecond,
		MeanDelay:        100 * time.Nanosecond,
		SlavePort:        1,
		Ports: []instance.PortSnapshot{
			{
				PortNumber: 1,
				State:      "SLAVE",
				Counters: port.Counters{
					RxAnnounce:      5,
					RxSync:          10,
					DecodeErrors:    1,
					VersionMismatch: 2,
				},
			},
		},
	}
	res := SnapshotCounters(snap)
	assert.Equal(t, int64(1), res["ptp.steps_removed"])
	assert.Equal(t, int64(42), res["ptp.offset_from_master_ns"])
	assert.Equal(t, int64(5), res["ptp.port.1.rx.announce"])
	assert.Equal(t, int64(10), res["ptp.port.1.rx.sync"])
	assert.Equal(t, int64(1), res["ptp.port.1.drops.decode"])
	assert.Equal(t, int64(2), res["ptp.port.1.drops.version"])
}

func TestJSONStatsSnapshotAndAggregates(t *testing.T) {
	s := NewJSONStats()
	require.Nil(t, s.Snapshot())
	snap := &instance.Snapshot{StepsRemoved: 2}
	s.SetSnapshot(snap)
	assert.Equal(t, snap, s.Snapshot())

	s.AddSample(10*time.Nanosecond, 100*time.Nanosecond, 1.5)
	s.AddSample(20*time.Nanosecond, 200*time.Nanosecond, 2.5)
	assert.Equal(t, uint64(2), s.agg.offsets.Count())
	assert.InDelta(t, 15, s.agg.offsets.Mean(), 0.001)

	s.Reset()
	assert.Equal(t, uint64(0), s.agg.offsets.Count())
}
