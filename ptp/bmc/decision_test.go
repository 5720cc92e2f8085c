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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentimed/ptpd/ptp/datasets"
	ptp "github.com/opentimed/ptpd/ptp/protocol"
)

func ownData(class ptp.ClockClass) *datasets.DefaultDS {
	return &datasets.DefaultDS{
		ClockIdentity: 0x50,
		Priority1:     128,
		Priority2:     128,
		ClockQuality: ptp.ClockQuality{
			ClockClass:              class,
			ClockAccuracy:           ptp.ClockAccuracyMicrosecond1,
			OffsetScaledLogVariance: 0x4e5d,
		},
	}
}

func TestDecisionListeningStaysListening(t *testing.T) {
	r := CalculateRecommendedState(ownData(ptp.ClockClassDefault), nil, nil, ptp.PortStateListening)
	assert.Nil(t, r)
}

func TestDecisionNoCandidates(t *testing.T) {
	r := CalculateRecommendedState(ownData(ptp.ClockClassDefault), nil, nil, ptp.PortStateMaster)
	require.NotNil(t, r)
	assert.Equal(t, RecommendationM2, r.Code)
}

func TestDecisionBetterForeign(t *testing.T) {
	best := announce(0x1, 64, ptp.ClockClass6, sender(0x1))
	r := CalculateRecommendedState(ownData(ptp.ClockClassDefault), best, best, ptp.PortStateListening)
	require.NotNil(t, r)
	assert.Equal(t, RecommendationS1, r.Code)
	assert.Equal(t, best, r.Announce)
}

func TestDecisionOtherPortSeesBetterMaster(t *testing.T) {
	// ebest came in on another port, this port saw nothing: M3
	best := announce(0x1, 64, ptp.ClockClass6, sender(0x1))
	r := CalculateRecommendedState(ownData(ptp.ClockClassDefault), best, nil, ptp.PortStateListening)
	require.NotNil(t, r)
	assert.Equal(t, RecommendationM3, r.Code)
}

func TestDecisionPassiveOnTopology(t *testing.T) {
	// same grandmaster visible via two ports, the closer one wins and the
	// other goes passive
	best := announce(0x1, 64, ptp.ClockClass6, sender(0x1))
	port := announce(0x1, 64, ptp.ClockClass6, sender(0x2))
	require.Equal(t, ABetterTopo, Dscmp(best, port))
	r := CalculateRecommendedState(ownData(ptp.ClockClassDefault), best, port, ptp.PortStateListening)
	require.NotNil(t, r)
	assert.Equal(t, RecommendationP2, r.Code)
	assert.Equal(t, port, r.Announce)
}

func TestDecisionLowClass(t *testing.T) {
	own := ownData(ptp.ClockClass6)
	worse := announce(0x1, 255, ptp.ClockClassDefault, sender(0x1))
	r := CalculateRecommendedState(own, worse, worse, ptp.PortStateListening)
	require.NotNil(t, r)
	assert.Equal(t, RecommendationM1, r.Code)

	better := announce(0x1, 1, ptp.ClockClass6, sender(0x1))
	better.GrandmasterIdentity = 0x1
	r = CalculateRecommendedState(own, better, better, ptp.PortStateListening)
	require.NotNil(t, r)
	assert.Equal(t, RecommendationP1, r.Code)
}

func TestRecommendedPortState(t *testing.T) {
	s1 := &Recommendation{Code: RecommendationS1}
	assert.Equal(t, ptp.PortStateUncalibrated, RecommendedPortState(s1, false, false))
	// masterOnly port never goes into Slave or Uncalibrated
	assert.Equal(t, ptp.PortStateMaster, RecommendedPortState(s1, true, false))

	m1 := &Recommendation{Code: RecommendationM1}
	assert.Equal(t, ptp.PortStateMaster, RecommendedPortState(m1, false, false))
	// slaveOnly instance never promotes a port to Master
	assert.Equal(t, ptp.PortStatePassive, RecommendedPortState(m1, false, true))

	p2 := &Recommendation{Code: RecommendationP2}
	assert.Equal(t, ptp.PortStatePassive, RecommendedPortState(p2, false, false))
}
