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

package port

import (
	"fmt"
	"time"
)

var errNotEnoughData = fmt.Errorf("not enough data")

// syncData tracks one Sync (+Follow_Up) exchange
type syncData struct {
	seq      uint16
	t1       time.Time     // departure time of Sync from the master
	t2       time.Time     // arrival time of Sync on this port
	c1       time.Duration // correctionField of Sync (+Follow_Up)
	soft     bool          // t2 came from a software timestamp
	interval time.Duration // sync interval advertised by the master
}

func (d *syncData) Complete() bool {
	return !d.t1.IsZero() && !d.t2.IsZero()
}

// delayData tracks one Delay_Req/Delay_Resp exchange
type delayData struct {
	seq  uint16
	t3   time.Time     // departure time of Delay_Req from this port
	t4   time.Time     // arrival time of Delay_Req on the master
	c2   time.Duration // correctionField of Delay_Resp
	soft bool          // t3 came from a software fallback
}

func (d *delayData) Complete() bool {
	return !d.t3.IsZero() && !d.t4.IsZero()
}

// measurements abstracts away tracking and pairing of packet timestamps of
// one slave port. Sync and Delay_Req sequence numbering is independent, so
// the latest complete sample of each is paired up.
type measurements struct {
	delayAsymmetry time.Duration

	syncs    map[uint16]*syncData
	delays   map[uint16]*delayData
	lastSync *syncData
	lastDel  *delayData
}

func newMeasurements(delayAsymmetry time.Duration) *measurements {
	return &measurements{
		delayAsymmetry: delayAsymmetry,
		syncs:          map[uint16]*syncData{},
		delays:         map[uint16]*delayData{},
	}
}

// addSync records arrival of a Sync. For one-step syncs t1 is the origin
// timestamp and the record is complete right away.
func (m *measurements) addSync(seq uint16, t1, t2 time.Time, c1 time.Duration, soft bool, interval time.Duration) {
	d := &syncData{seq: seq, t1: t1, t2: t2, c1: c1, soft: soft, interval: interval}
	m.syncs[seq] = d
	if d.Complete() {
		m.lastSync = d
		delete(m.syncs, seq)
	}
}

// addFollowUp completes a pending two-step sync. Returns false if there is
// no matching Sync to complete.
func (m *measurements) addFollowUp(seq uint16, t1 time.Time, c time.Duration) bool {
	d, found := m.syncs[seq]
	if !found {
		return false
	}
	d.t1 = t1
	d.c1 += c
	if !d.Complete() {
		return false
	}
	m.lastSync = d
	delete(m.syncs, seq)
	return true
}

// addDelayReq records the transmit timestamp of a Delay_Req
func (m *measurements) addDelayReq(seq uint16, t3 time.Time, soft bool) {
	m.delays[seq] = &delayData{seq: seq, t3: t3, soft: soft}
}

// addDelayResp completes a pending Delay_Req. Returns false if there is no
// matching request.
func (m *measurements) addDelayResp(seq uint16, t4 time.Time, c2 time.Duration) bool {
	d, found := m.delays[seq]
	if !found {
		return false
	}
	d.t4 = t4
	d.c2 = c2
	if !d.Complete() {
		return false
	}
	m.lastDel = d
	delete(m.delays, seq)
	return true
}

// haveDelayReq reports whether a request with this sequence is in flight
func (m *measurements) haveDelayReq(seq uint16) bool {
	_, found := m.delays[seq]
	return found
}

// e2e computes offset and mean path delay from the latest complete sync and
// delay exchanges:
//
//	serverToClientDiff = t2 - t1 - c1
//	clientToServerDiff = t4 - t3 - c2
//	meanDelay = (serverToClientDiff + clientToServerDiff)/2
//	offset = serverToClientDiff - meanDelay - delayAsymmetry
func (m *measurements) e2e() (offset, meanDelay time.Duration, ts time.Time, soft bool, err error) {
	if m.lastSync == nil || m.lastDel == nil {
		return 0, 0, time.Time{}, false, errNotEnoughData
	}
	serverToClientDiff := m.lastSync.t2.Sub(m.lastSync.t1) - m.lastSync.c1
	clientToServerDiff := m.lastDel.t4.Sub(m.lastDel.t3) - m.lastDel.c2
	meanDelay = (serverToClientDiff + clientToServerDiff) / 2
	offset = serverToClientDiff - meanDelay - m.delayAsymmetry
	return offset, meanDelay, m.lastSync.t2, m.lastSync.soft || m.lastDel.soft, nil
}

// p2p computes the offset using an externally measured peer link delay
func (m *measurements) p2p(peerDelay time.Duration) (offset time.Duration, ts time.Time, soft bool, err error) {
	if m.lastSync == nil {
		return 0, time.Time{}, false, errNotEnoughData
	}
	serverToClientDiff := m.lastSync.t2.Sub(m.lastSync.t1) - m.lastSync.c1
	offset = serverToClientDiff - peerDelay - m.delayAsymmetry
	return offset, m.lastSync.t2, m.lastSync.soft, nil
}

// cleanup drops incomplete syncs whose follow-up never arrived within the
// next sync interval, and stale delay requests
func (m *measurements) cleanup(now time.Time, maxDelayAge time.Duration) int {
	dropped := 0
	for seq, d := range m.syncs {
		if now.Sub(d.t2) > d.interval {
			delete(m.syncs, seq)
			dropped++
		}
	}
	for seq, d := range m.delays {
		if now.Sub(d.t3) > maxDelayAge {
			delete(m.delays, seq)
			dropped++
		}
	}
	return dropped
}

// reset drops everything, complete samples included
func (m *measurements) reset() {
	m.syncs = map[uint16]*syncData{}
	m.delays = map[uint16]*delayData{}
	m.lastSync = nil
	m.lastDel = nil
}
