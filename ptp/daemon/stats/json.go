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
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/opentimed/ptpd/ptp/instance"
)

// JSONStats is what we report as stats via http
type JSONStats struct {
	mux      sync.Mutex
	snapshot *instance.Snapshot
	counters counters
	agg      aggregates
	sysstats *SysStats
}

// NewJSONStats returns a new JSONStats
func NewJSONStats() *JSONStats {
	s := &JSONStats{
		agg:      newAggregates(),
		sysstats: &SysStats{},
	}
	s.counters.init()
	return s
}

// Start runs the http server on the monitoring port
func (s *JSONStats) Start(monitoringport int) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newCollector(s))

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleCounters)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", monitoringport)
	log.Infof("Starting http json server on %s", addr)
	err := http.ListenAndServe(addr, mux)
	if err != nil {
		log.Fatalf("Failed to start listener: %v", err)
	}
}

// SetSnapshot stores the latest instance observability snapshot
func (s *JSONStats) SetSnapshot(snap *instance.Snapshot) {
	s.mux.Lock()
	s.snapshot = snap
	s.mux.Unlock()
	for k, v := range SnapshotCounters(snap) {
		s.counters.set(k, v)
	}
}

// Snapshot returns the latest stored snapshot, can be nil
func (s *JSONStats) Snapshot() *instance.Snapshot {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.snapshot
}

// SetCounter sets a counter to the provided value
func (s *JSONStats) SetCounter(key string, val int64) {
	s.counters.set(key, val)
}

// UpdateCounterBy adds count to the counter
func (s *JSONStats) UpdateCounterBy(key string, count int64) {
	s.counters.updateBy(key, count)
}

// AddSample records one (offset, delay, freq) servo datapoint
func (s *JSONStats) AddSample(offset, delay time.Duration, freqPPM float64) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.agg.offsets.Add(float64(offset.Nanoseconds()))
	s.agg.delays.Add(float64(delay.Nanoseconds()))
	s.agg.freqs.Add(freqPPM)
}

// Reset drops the running aggregates
func (s *JSONStats) Reset() {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.agg = newAggregates()
}

// CollectSysStats folds process self-stats into the counters
func (s *JSONStats) CollectSysStats(interval time.Duration) {
	sys, err := s.sysstats.CollectRuntimeStats(interval)
	if err != nil {
		log.Warningf("failed to collect system stats: %v", err)
		return
	}
	for k, v := range sys {
		s.counters.set(k, int64(v))
	}
}

func (s *JSONStats) handleCounters(w http.ResponseWriter, _ *http.Request) {
	all := s.counters.toMap()
	s.mux.Lock()
	if s.agg.offsets.Count() > 0 {
		all["ptp.offset_ns.mean"] = int64(s.agg.offsets.Mean())
		all["ptp.offset_ns.stddev"] = int64(s.agg.offsets.Stddev())
		all["ptp.delay_ns.mean"] = int64(s.agg.delays.Mean())
		all["ptp.delay_ns.stddev"] = int64(s.agg.delays.Stddev())
		all["ptp.freq_ppm.mean"] = int64(s.agg.freqs.Mean())
	}
	s.mux.Unlock()
	js, err := json.Marshal(all)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(js); err != nil {
		log.Errorf("Failed to reply: %v", err)
	}
}

func (s *JSONStats) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.Snapshot()
	if snap == nil {
		http.Error(w, "no snapshot yet", http.StatusServiceUnavailable)
		return
	}
	js, err := json.Marshal(snap)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(js); err != nil {
		log.Errorf("Failed to reply: %v", err)
	}
}
