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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// collector exposes the instance snapshot as prometheus metrics
type collector struct {
	stats *JSONStats

	offset       *prometheus.Desc
	meanDelay    *prometheus.Desc
	stepsRemoved *prometheus.Desc
	portState    *prometheus.Desc
	gmPresent    *prometheus.Desc
	portCounter  *prometheus.Desc
}

func newCollector(s *JSONStats) *collector {
	return &collector{
		stats: s,
		offset: prometheus.NewDesc("ptpd_offset_from_master_ns",
			"Current offset from the selected master in nanoseconds", nil, nil),
		meanDelay: prometheus.NewDesc("ptpd_mean_delay_ns",
			"Current mean path delay in nanoseconds", nil, nil),
		stepsRemoved: prometheus.NewDesc("ptpd_steps_removed",
			"Number of boundary clocks between this instance and the grandmaster", nil, nil),
		portState: prometheus.NewDesc("ptpd_port_state",
			"State of the port as the numeric PTP state enumeration", []string{"port"}, nil),
		gmPresent: prometheus.NewDesc("ptpd_gm_present",
			"1 when this instance tracks a remote grandmaster, 0 when it acts as one", nil, nil),
		portCounter: prometheus.NewDesc("ptpd_port_packets_total",
			"Per-port packet counters", []string{"port", "direction", "type"}, nil),
	}
}

// Describe implements prometheus.Collector
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.offset
	ch <- c.meanDelay
	ch <- c.stepsRemoved
	ch <- c.portState
	ch <- c.gmPresent
	ch <- c.portCounter
}

// Collect implements prometheus.Collector
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()
	if snap == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.offset, prometheus.GaugeValue, float64(snap.OffsetFromMaster.Nanoseconds()))
	ch <- prometheus.MustNewConstMetric(c.meanDelay, prometheus.GaugeValue, float64(snap.MeanDelay.Nanoseconds()))
	ch <- prometheus.MustNewConstMetric(c.stepsRemoved, prometheus.GaugeValue, float64(snap.StepsRemoved))
	gmPresent := 0.0
	if snap.SlavePort != 0 {
		gmPresent = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.gmPresent, prometheus.GaugeValue, gmPresent)

	stateToNum := map[string]float64{
		"INITIALIZING": 1, "FAULTY": 2, "DISABLED": 3, "LISTENING": 4,
		"PRE_MASTER": 5, "MASTER": 6, "PASSIVE": 7, "UNCALIBRATED": 8, "SLAVE": 9,
	}
	for _, p := range snap.Ports {
		portLabel := strconv.Itoa(int(p.PortNumber))
		ch <- prometheus.MustNewConstMetric(c.portState, prometheus.GaugeValue, stateToNum[p.State], portLabel)
		for _, pc := range []struct {
			direction string
			kind      string
			value     uint64
		}{
			{"rx", "announce", p.Counters.RxAnnounce},
			{"rx", "sync", p.Counters.RxSync},
			{"rx", "delay_resp", p.Counters.RxDelayResp},
			{"tx", "announce", p.Counters.TxAnnounce},
			{"tx", "sync", p.Counters.TxSync},
			{"tx", "delay_req", p.Counters.TxDelayReq},
		} {
			ch <- prometheus.MustNewConstMetric(c.portCounter, prometheus.CounterValue, float64(pc.value), portLabel, pc.direction, pc.kind)
		}
	}
}
