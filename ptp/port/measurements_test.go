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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeasurementsE2E(t *testing.T) {
	m := newMeasurements(0)
	base := time.Unix(1000, 0)

	// t1=1000ns, t2=1100ns, t3=1150ns, t4=1260ns
	t1 := base.Add(1000 * time.Nanosecond)
	t2 := base.Add(1100 * time.Nanosecond)
	t3 := base.Add(1150 * time.Nanosecond)
	t4 := base.Add(1260 * time.Nanosecond)

	_, _, _, _, err := m.e2e()
	require.Equal(t, errNotEnoughData, err)

	m.addSync(1, t1, t2, 0, false, time.Second)
	m.addDelayReq(1, t3, false)
	require.True(t, m.addDelayResp(1, t4, 0))

	offset, delay, ts, soft, err := m.e2e()
	require.Nil(t, err)
	assert.Equal(t, -5*time.Nanosecond, offset)
	assert.Equal(t, 105*time.Nanosecond, delay)
	assert.Equal(t, t2, ts)
	assert.False(t, soft)
}

func TestMeasurementsTwoStep(t *testing.T) {
	m := newMeasurements(0)
	base := time.Unix(1000, 0)

	t2 := base.Add(200 * time.Nanosecond)
	m.addSync(5, time.Time{}, t2, 10*time.Nanosecond, false, time.Second)
	require.Nil(t, m.lastSync)

	// follow-up carries t1 and more correction
	t1 := base.Add(100 * time.Nanosecond)
	require.True(t, m.addFollowUp(5, t1, 20*time.Nanosecond))
	require.NotNil(t, m.lastSync)
	assert.Equal(t, 30*time.Nanosecond, m.lastSync.c1)

	// no matching sync: rejected
	assert.False(t, m.addFollowUp(6, t1, 0))
}

func TestMeasurementsDelayAsymmetry(t *testing.T) {
	m := newMeasurements(3 * time.Nanosecond)
	base := time.Unix(1000, 0)
	m.addSync(1, base.Add(1000*time.Nanosecond), base.Add(1100*time.Nanosecond), 0, false, time.Second)
	m.addDelayReq(1, base.Add(1150*time.Nanosecond), false)
	require.True(t, m.addDelayResp(1, base.Add(1260*time.Nanosecond), 0))

	offset, _, _, _, err := m.e2e()
	require.Nil(t, err)
	assert.Equal(t, -8*time.Nanosecond, offset)
}

func TestMeasurementsDelayRespWithoutReq(t *testing.T) {
	m := newMeasurements(0)
	assert.False(t, m.addDelayResp(9, time.Unix(1000, 0), 0))
	assert.False(t, m.haveDelayReq(9))
}

func TestMeasurementsP2P(t *testing.T) {
	m := newMeasurements(0)
	base := time.Unix(1000, 0)
	m.addSync(1, base.Add(1000*time.Nanosecond), base.Add(1100*time.Nanosecond), 0, false, time.Second)

	offset, ts, soft, err := m.p2p(40 * time.Nanosecond)
	require.Nil(t, err)
	assert.Equal(t, 60*time.Nanosecond, offset)
	assert.Equal(t, base.Add(1100*time.Nanosecond), ts)
	assert.False(t, soft)
}

func TestMeasurementsCleanup(t *testing.T) {
	m := newMeasurements(0)
	base := time.Unix(1000, 0)

	// a sync whose follow-up never arrives is discarded after its interval
	m.addSync(1, time.Time{}, base, 0, false, time.Second)
	m.addDelayReq(2, base, false)
	dropped := m.cleanup(base.Add(2*time.Second), 10*time.Second)
	assert.Equal(t, 1, dropped)
	assert.False(t, m.addFollowUp(1, base, 0))
	assert.True(t, m.haveDelayReq(2))

	dropped = m.cleanup(base.Add(20*time.Second), 10*time.Second)
	assert.Equal(t, 1, dropped)
	assert.False(t, m.haveDelayReq(2))
}
