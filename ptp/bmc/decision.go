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

package bmc

import (
	"github.com/opentimed/ptpd/ptp/datasets"
	ptp "github.com/opentimed/ptpd/ptp/protocol"
)

// RecommendationCode is the label of a row of the state decision table,
// Figure 34 of the standard
type RecommendationCode uint8

// State decision codes. M* recommend Master, P* recommend Passive,
// S1 recommends Slave.
const (
	RecommendationM1 RecommendationCode = iota + 1
	RecommendationM2
	RecommendationM3
	RecommendationP1
	RecommendationP2
	RecommendationS1
)

// RecommendationCodeToString is a map from RecommendationCode to string
var RecommendationCodeToString = map[RecommendationCode]string{
	RecommendationM1: "M1",
	RecommendationM2: "M2",
	RecommendationM3: "M3",
	RecommendationP1: "P1",
	RecommendationP2: "P2",
	RecommendationS1: "S1",
}

func (r RecommendationCode) String() string {
	return RecommendationCodeToString[r]
}

// Recommendation is the outcome of the state decision algorithm for one port
type Recommendation struct {
	Code RecommendationCode
	// Announce that won, set for M3/P1/P2/S1
	Announce *ptp.Announce
}

// AnnounceFromDefaultDS builds the virtual announce D0 representing the
// instance itself, so the decision algorithm can compare local data against
// foreign masters with the regular dataset comparison.
func AnnounceFromDefaultDS(d *datasets.DefaultDS) *ptp.Announce {
	return &ptp.Announce{
		Header: ptp.Header{
			SourcePortIdentity: ptp.PortIdentity{ClockIdentity: d.ClockIdentity, PortNumber: 0},
		},
		AnnounceBody: ptp.AnnounceBody{
			GrandmasterPriority1:    d.Priority1,
			GrandmasterClockQuality: d.ClockQuality,
			GrandmasterPriority2:    d.Priority2,
			GrandmasterIdentity:     d.ClockIdentity,
			StepsRemoved:            0,
		},
	}
}

// CalculateRecommendedState runs the state decision algorithm for one port.
//
//   - own: the DefaultDS of the instance, called D0 by the standard
//   - ebest: the best announce across all ports of the instance
//   - erbest: the best announce of the port we are deciding for
//   - state: current state of that port
//
// A nil result means the port should stay in whatever state it is in, which
// only happens for a Listening port that has seen no master at all.
func CalculateRecommendedState(own *datasets.DefaultDS, ebest, erbest *ptp.Announce, state ptp.PortState) *Recommendation {
	if ebest == nil && state == ptp.PortStateListening {
		return nil
	}
	d0 := AnnounceFromDefaultDS(own)
	class := own.ClockQuality.ClockClass
	if class >= 1 && class <= 127 {
		// low clock classes never leave the Master role, only the
		// per-port best matters for Master vs Passive
		if erbest == nil || Dscmp(d0, erbest) >= 0 {
			return &Recommendation{Code: RecommendationM1}
		}
		return &Recommendation{Code: RecommendationP1, Announce: erbest}
	}

	if ebest == nil || Dscmp(d0, ebest) >= 0 {
		return &Recommendation{Code: RecommendationM2}
	}
	if erbest == nil {
		return &Recommendation{Code: RecommendationM3, Announce: ebest}
	}
	if ebest.SourcePortIdentity == erbest.SourcePortIdentity {
		return &Recommendation{Code: RecommendationS1, Announce: ebest}
	}
	if Dscmp(ebest, erbest) == ABetterTopo {
		return &Recommendation{Code: RecommendationP2, Announce: erbest}
	}
	return &Recommendation{Code: RecommendationM3, Announce: ebest}
}

// RecommendedPortState translates a recommendation into the target port
// state, honoring the masterOnly port option and the slaveOnly instance
// option. A masterOnly port is in the Master state whatever the decision
// table says; a slaveOnly instance never makes any of its ports a Master.
func RecommendedPortState(r *Recommendation, masterOnly, slaveOnly bool) ptp.PortState {
	if masterOnly {
		return ptp.PortStateMaster
	}
	switch r.Code {
	case RecommendationS1:
		return ptp.PortStateUncalibrated
	case RecommendationP1, RecommendationP2:
		return ptp.PortStatePassive
	default: // M1, M2, M3
		if slaveOnly {
			return ptp.PortStatePassive
		}
		return ptp.PortStateMaster
	}
}
