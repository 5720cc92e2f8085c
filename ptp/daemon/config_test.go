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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentimed/ptpd/ptp/datasets"
	ptp "github.com/opentimed/ptpd/ptp/protocol"
)

const configSample = `
loglevel: debug
monitoringport: 9001
timestamptype: software
domainnumber: 0
clockidentity: "0x001122fffe334455"
priority1: 100
priority2: 99
clockclass: 6
clockaccuracy: 0x21
utcoffset: 37s
stepthreshold: 1ms
ports:
  - iface: eth0
    transport: udp4
    delaymechanism: e2e
    logannounceinterval: 1
    announcereceipttimeout: 3
    logsyncinterval: 0
    logmindelayreqinterval: 0
    acceptablemasters:
      - "0a0b0c.fffe.0d0e0f"
  - iface: eth1
    transport: ethernet
    delaymechanism: p2p
    masteronly: true
    twostep: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ptpd.yaml")
	require.Nil(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestReadConfig(t *testing.T) {
	c, err := ReadConfig(writeConfig(t, configSample))
	require.Nil(t, err)

	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, 9001, c.MonitoringPort)
	assert.Equal(t, uint8(100), c.Priority1)
	assert.Equal(t, ptp.ClockClass6, c.ClockClass)
	assert.Equal(t, 37*time.Second, c.UTCOffset)
	require.Len(t, c.Ports, 2)
	assert.Equal(t, "eth0", c.Ports[0].Iface)
	assert.True(t, c.Ports[1].MasterOnly)

	require.Nil(t, c.EnsureClockIdentity())
	ic, err := c.InstanceConfig()
	require.Nil(t, err)
	assert.Equal(t, ptp.ClockIdentity(0x001122fffe334455), ic.ClockIdentity)
	assert.Equal(t, int16(37), ic.TimeProperties.CurrentUTCOffset)
	require.Len(t, ic.Ports, 2)
	assert.Equal(t, uint16(1), ic.Ports[0].PortNumber)
	assert.Equal(t, datasets.DelayMechanismE2E, ic.Ports[0].DelayMechanism)
	assert.Equal(t, []ptp.ClockIdentity{0x0a0b0cfffe0d0e0f}, ic.Ports[0].AcceptableMasters)
	assert.Equal(t, datasets.DelayMechanismP2P, ic.Ports[1].DelayMechanism)
	assert.True(t, ic.Ports[1].TwoStep)
}

func TestConfigValidation(t *testing.T) {
	_, err := ReadConfig(writeConfig(t, "loglevel: debug\ntimestamptype: software\nutcoffset: 37s\n"))
	assert.Error(t, err) // no ports

	_, err = ReadConfig(writeConfig(t, `
timestamptype: software
utcoffset: 37s
ports:
  - iface: eth0
    transport: carrier-pigeon
`))
	assert.Error(t, err)

	_, err = ReadConfig(writeConfig(t, `
timestamptype: software
utcoffset: 5s
ports:
  - iface: eth0
`))
	assert.Error(t, err) // insane UTC offset

	_, err = ReadConfig(writeConfig(t, `
timestamptype: software
utcoffset: 37s
slaveonly: true
ports:
  - iface: eth0
    masteronly: true
`))
	assert.Error(t, err) // masteronly port on slaveonly instance
}

func TestParseClockIdentity(t *testing.T) {
	for _, s := range []string{"0x001122fffe334455", "001122.fffe.334455", "001122fffe334455"} {
		ci, err := ParseClockIdentity(s)
		require.Nil(t, err)
		assert.Equal(t, ptp.ClockIdentity(0x001122fffe334455), ci)
	}
	_, err := ParseClockIdentity("not-a-clock")
	assert.Error(t, err)
}

func TestReloadDynamicConfig(t *testing.T) {
	path := writeConfig(t, configSample)
	c, err := ReadConfig(path)
	require.Nil(t, err)
	require.Equal(t, uint8(100), c.Priority1)

	updated := configSample + "\n"
	require.Nil(t, os.WriteFile(path, []byte(updated), 0644))
	dc, err := c.ReloadDynamicConfig()
	require.Nil(t, err)
	assert.Equal(t, uint8(100), dc.Priority1)

	// a reload that breaks sanity is rejected and the old config stays
	require.Nil(t, os.WriteFile(path, []byte(`utcoffset: 1s
ports:
  - iface: eth0
`), 0644))
	_, err = c.ReloadDynamicConfig()
	assert.Error(t, err)
	assert.Equal(t, 37*time.Second, c.UTCOffset)
}
