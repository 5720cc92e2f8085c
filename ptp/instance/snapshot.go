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

package instance

import (
	"time"

	"github.com/opentimed/ptpd/ptp/port"
	ptp "github.com/opentimed/ptpd/ptp/protocol"
)

// PortSnapshot is the observable state of one port
type PortSnapshot struct {
	PortNumber        uint16        `json:"port_number"`
	State             string        `json:"state"`
	DelayMechanism    string        `json:"delay_mechanism"`
	PeerMeanLinkDelay time.Duration `json:"peer_mean_link_delay"`
	MasterOnly        bool          `json:"master_only"`
	Counters          port.Counters `json:"counters"`
}

// Snapshot is the full observability surface of an instance, serialized by
// the daemon for the monitoring endpoint and the CLI
type Snapshot struct {
	ClockIdentity    string           `json:"clock_identity"`
	InstanceType     string           `json:"instance_type"`
	NumberPorts      uint16           `json:"number_ports"`
	Priority1        uint8            `json:"priority1"`
	Priority2        uint8            `json:"priority2"`
	DomainNumber     uint8            `json:"domain"`
	SlaveOnly        bool             `json:"slave_only"`
	ClockQuality     ptp.ClockQuality `json:"clock_quality"`
	StepsRemoved     uint16           `json:"steps_removed"`
	OffsetFromMaster time.Duration    `json:"offset_from_master"`
	MeanDelay        time.Duration    `json:"mean_delay"`

	GrandmasterIdentity  string           `json:"gm_identity"`
	GrandmasterQuality   ptp.ClockQuality `json:"gm_clock_quality"`
	GrandmasterPriority1 uint8            `json:"gm_priority1"`
	GrandmasterPriority2 uint8            `json:"gm_priority2"`
	ParentPortIdentity   string           `json:"parent_port_identity"`
	PathTrace            []string         `json:"path_trace"`

	CurrentUTCOffset      int16  `json:"utc_offset"`
	CurrentUTCOffsetValid bool   `json:"utc_offset_valid"`
	Leap59                bool   `json:"leap59"`
	Leap61                bool   `json:"leap61"`
	TimeSource            string `json:"time_source"`

	SlavePort uint16         `json:"slave_port"`
	Ports     []PortSnapshot `json:"ports"`
}

// Snapshot captures the observable state of the instance
func (i *Instance) Snapshot() *Snapshot {
	s := &Snapshot{
		ClockIdentity:    i.defaultDS.ClockIdentity.String(),
		InstanceType:     i.defaultDS.InstanceType.String(),
		NumberPorts:      i.defaultDS.NumberPorts,
		Priority1:        i.defaultDS.Priority1,
		Priority2:        i.defaultDS.Priority2,
		DomainNumber:     i.defaultDS.DomainNumber,
		SlaveOnly:        i.defaultDS.SlaveOnly,
		ClockQuality:     i.defaultDS.ClockQuality,
		StepsRemoved:     i.currentDS.StepsRemoved,
		OffsetFromMaster: i.currentDS.OffsetFromMaster,
		MeanDelay:        i.currentDS.MeanDelay,

		GrandmasterIdentity:  i.parentDS.GrandmasterIdentity.String(),
		GrandmasterQuality:   i.parentDS.GrandmasterClockQuality,
		GrandmasterPriority1: i.parentDS.GrandmasterPriority1,
		GrandmasterPriority2: i.parentDS.GrandmasterPriority2,
		ParentPortIdentity:   i.parentDS.ParentPortIdentity.String(),

		CurrentUTCOffset:      i.timeProps.CurrentUTCOffset,
		CurrentUTCOffsetValid: i.timeProps.CurrentUTCOffsetValid,
		Leap59:                i.timeProps.Leap59,
		Leap61:                i.timeProps.Leap61,
		TimeSource:            i.timeProps.TimeSource.String(),

		SlavePort: i.slavePort,
	}
	for _, id := range i.parentDS.PathTrace {
		s.PathTrace = append(s.PathTrace, id.String())
	}
	for _, p := range i.ports {
		ds := p.DS()
		s.Ports = append(s.Ports, PortSnapshot{
			PortNumber:        p.Number(),
			State:             ds.PortState.String(),
			DelayMechanism:    ds.DelayMechanism.String(),
			PeerMeanLinkDelay: ds.PeerMeanLinkDelay,
			MasterOnly:        ds.MasterOnly,
			Counters:          p.Counters(),
		})
	}
	return s
}
