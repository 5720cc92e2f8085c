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
Package stats implements statistics collection and reporting for the
daemon: flat counters for the monitoring endpoint, running offset/delay
aggregates and a prometheus collector.
*/
package stats

import (
	"fmt"
	"sync"
	"time"

	"github.com/eclesh/welford"

	"github.com/opentimed/ptpd/ptp/instance"
)

// Stats is a metric collection interface
type Stats interface {
	// Start starts the stat reporter on the monitoring port
	Start(monitoringport int)

	// SetSnapshot stores the latest instance observability snapshot
	SetSnapshot(s *instance.Snapshot)

	// SetCounter sets a counter to the provided value
	SetCounter(key string, val int64)

	// UpdateCounterBy adds count to the counter
	UpdateCounterBy(key string, count int64)

	// AddSample records one (offset, delay, freq) servo datapoint
	AddSample(offset, delay time.Duration, freqPPM float64)

	// Reset drops the running aggregates
	Reset()
}

// aggregates are running statistics over the samples seen since the last reset
type aggregates struct {
	offsets *welford.Stats
	delays  *welford.Stats
	freqs   *welford.Stats
}

func newAggregates() aggregates {
	return aggregates{
		offsets: welford.New(),
		delays:  welford.New(),
		freqs:   welford.New(),
	}
}

// counters is a flat name -> value map of everything we report
type counters struct {
	sync.Mutex
	values map[string]int64
}

func (c *counters) init() {
	c.Lock()
	defer c.Unlock()
	c.values = map[string]int64{}
}

func (c *counters) set(key string, val int64) {
	c.Lock()
	defer c.Unlock()
	c.values[key] = val
}

func (c *counters) updateBy(key string, count int64) {
	c.Lock()
	defer c.Unlock()
	c.values[key] += count
}

func (c *counters) toMap() map[string]int64 {
	c.Lock()
	defer c.Unlock()
	res := make(map[string]int64, len(c.values))
	for k, v := range c.values {
		res[k] = v
	}
	return res
}

// SnapshotCounters flattens the per-port counters of an instance snapshot
// into reportable key/value pairs
func SnapshotCounters(s *instance.Snapshot) map[string]int64 {
	res := map[string]int64{}
	res["ptp.steps_removed"] = int64(s.StepsRemoved)
	res["ptp.offset_from_master_ns"] = s.OffsetFromMaster.Nanoseconds()
	res["ptp.mean_delay_ns"] = s.MeanDelay.Nanoseconds()
	res["ptp.slave_port"] = int64(s.SlavePort)
	res["ptp.utc_offset_sec"] = int64(s.CurrentUTCOffset)
	for _, p := range s.Ports {
		prefix := fmt.Sprintf("ptp.port.%d", p.PortNumber)
		res[fmt.Sprintf("%s.rx.announce", prefix)] = int64(p.Counters.RxAnnounce)
		res[fmt.Sprintf("%s.rx.sync", prefix)] = int64(p.Counters.RxSync)
		res[fmt.Sprintf("%s.rx.followup", prefix)] = int64(p.Counters.RxFollowUp)
		res[fmt.Sprintf("%s.rx.delay_req", prefix)] = int64(p.Counters.RxDelayReq)
		res[fmt.Sprintf("%s.rx.delay_resp", prefix)] = int64(p.Counters.RxDelayResp)
		res[fmt.Sprintf("%s.rx.pdelay", prefix)] = int64(p.Counters.RxPDelay)
		res[fmt.Sprintf("%s.tx.announce", prefix)] = int64(p.Counters.TxAnnounce)
		res[fmt.Sprintf("%s.tx.sync", prefix)] = int64(p.Counters.TxSync)
		res[fmt.Sprintf("%s.tx.followup", prefix)] = int64(p.Counters.TxFollowUp)
		res[fmt.Sprintf("%s.tx.delay_req", prefix)] = int64(p.Counters.TxDelayReq)
		res[fmt.Sprintf("%s.tx.delay_resp", prefix)] = int64(p.Counters.TxDelayResp)
		res[fmt.Sprintf("%s.tx.pdelay", prefix)] = int64(p.Counters.TxPDelay)
		res[fmt.Sprintf("%s.drops.decode", prefix)] = int64(p.Counters.DecodeErrors)
		res[fmt.Sprintf("%s.drops.version", prefix)] = int64(p.Counters.VersionMismatch)
		res[fmt.Sprintf("%s.drops.policy", prefix)] = int64(p.Counters.PolicyRejected)
		res[fmt.Sprintf("%s.drops.inconsistent", prefix)] = int64(p.Counters.Inconsistencies)
		res[fmt.Sprintf("%s.servo.outliers", prefix)] = int64(p.Counters.ServoOutliers)
		res[fmt.Sprintf("%s.faults", prefix)] = int64(p.Counters.Faults)
	}
	return res
}
