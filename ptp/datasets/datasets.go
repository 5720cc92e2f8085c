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
Package datasets holds the PTP Instance datasets described in IEEE 1588-2019
section 8: defaultDS, currentDS, parentDS, timePropertiesDS and portDS.
They are plain structs, owned by the instance and mutated only from the
single task that drives it.
*/
package datasets

import (
	"time"

	ptp "github.com/opentimed/ptpd/ptp/protocol"
)

// InstanceType tells Ordinary Clock from Boundary Clock
type InstanceType uint8

// Supported instance types
const (
	OrdinaryClock InstanceType = iota
	BoundaryClock
)

// InstanceTypeToString is a map from InstanceType to string
var InstanceTypeToString = map[InstanceType]string{
	OrdinaryClock: "OC",
	BoundaryClock: "BC",
}

func (t InstanceType) String() string {
	return InstanceTypeToString[t]
}

// DelayMechanism is the path delay measurement option of a port
type DelayMechanism uint8

// Table 21 delayMechanism enumeration, only the mechanisms we implement
const (
	DelayMechanismE2E DelayMechanism = 0x01
	DelayMechanismP2P DelayMechanism = 0x02
)

// DelayMechanismToString is a map from DelayMechanism to string
var DelayMechanismToString = map[DelayMechanism]string{
	DelayMechanismE2E: "E2E",
	DelayMechanismP2P: "P2P",
}

func (d DelayMechanism) String() string {
	return DelayMechanismToString[d]
}

// DefaultDS holds the attributes describing the PTP Instance, 8.2.1
type DefaultDS struct {
	ClockIdentity ptp.ClockIdentity
	NumberPorts   uint16
	ClockQuality  ptp.ClockQuality
	Priority1     uint8
	Priority2     uint8
	DomainNumber  uint8
	SlaveOnly     bool
	SdoID         uint16
	InstanceType  InstanceType
}

// CurrentDS describes the synchronization state of the instance, 8.2.2.
// Written only by the filter attached to the current Slave port, or zeroed
// when the instance itself is the grandmaster.
type CurrentDS struct {
	StepsRemoved     uint16
	OffsetFromMaster time.Duration
	MeanDelay        time.Duration
}

// ParentDS describes the parent (the master this instance syncs to) and the
// grandmaster, 8.2.3. Overwritten on each BMCA decision that selects a new
// parent.
type ParentDS struct {
	ParentPortIdentity      ptp.PortIdentity
	GrandmasterIdentity     ptp.ClockIdentity
	GrandmasterClockQuality ptp.ClockQuality
	GrandmasterPriority1    uint8
	GrandmasterPriority2    uint8
	// PathTrace is the sequence of clock identities the selected Announce
	// traversed, extended with our own identity. Used for loop detection.
	PathTrace []ptp.ClockIdentity
	// ForwardTLVs are TLVs from the selected Announce we don't interpret,
	// to be propagated with Announce messages sent by Master ports.
	ForwardTLVs []ptp.TLV
}

// TakeFrom makes the sender of the announce the parent and copies the
// grandmaster data the announce carries.
func (p *ParentDS) TakeFrom(announce *ptp.Announce) {
	p.ParentPortIdentity = announce.SourcePortIdentity
	p.GrandmasterIdentity = announce.GrandmasterIdentity
	p.GrandmasterClockQuality = announce.GrandmasterClockQuality
	p.GrandmasterPriority1 = announce.GrandmasterPriority1
	p.GrandmasterPriority2 = announce.GrandmasterPriority2
	forward := []ptp.TLV{}
	for _, tlv := range announce.TLVs {
		if tlv.Type() != ptp.TLVPathTrace {
			forward = append(forward, tlv)
		}
	}
	p.ForwardTLVs = forward
}

// TakeFromSelf resets the parent to the instance itself, which is what the
// dataset must say whenever no port of the instance is Slave.
func (p *ParentDS) TakeFromSelf(d *DefaultDS) {
	p.ParentPortIdentity = ptp.PortIdentity{ClockIdentity: d.ClockIdentity, PortNumber: 0}
	p.GrandmasterIdentity = d.ClockIdentity
	p.GrandmasterClockQuality = d.ClockQuality
	p.GrandmasterPriority1 = d.Priority1
	p.GrandmasterPriority2 = d.Priority2
	p.PathTrace = []ptp.ClockIdentity{d.ClockIdentity}
	p.ForwardTLVs = nil
}

// TimePropertiesDS describes the timescale of the domain, 8.2.4
type TimePropertiesDS struct {
	CurrentUTCOffset      int16
	CurrentUTCOffsetValid bool
	Leap59                bool
	Leap61                bool
	TimeTraceable         bool
	FrequencyTraceable    bool
	PTPTimescale          bool
	TimeSource            ptp.TimeSource
}

// Default time properties of a domain with no known relation to UTC,
// 8.2.4.2: the ARB timescale of an unsynchronized instance.
func NewTimePropertiesDS() TimePropertiesDS {
	return TimePropertiesDS{
		TimeSource: ptp.TimeSourceInternalOscillator,
	}
}

// TakeFrom updates time properties from the flags and body of the selected Announce
func (tp *TimePropertiesDS) TakeFrom(announce *ptp.Announce) {
	tp.CurrentUTCOffset = announce.CurrentUTCOffset
	tp.CurrentUTCOffsetValid = announce.FlagField&ptp.FlagCurrentUtcOffsetValid != 0
	tp.Leap59 = announce.FlagField&ptp.FlagLeap59 != 0
	tp.Leap61 = announce.FlagField&ptp.FlagLeap61 != 0
	tp.TimeTraceable = announce.FlagField&ptp.FlagTimeTraceable != 0
	tp.FrequencyTraceable = announce.FlagField&ptp.FlagFrequencyTraceable != 0
	tp.PTPTimescale = announce.FlagField&ptp.FlagPTPTimescale != 0
	tp.TimeSource = announce.TimeSource
}

// Flags packs the dataset into the second octet of the message flagField
func (tp *TimePropertiesDS) Flags() uint16 {
	var f uint16
	if tp.Leap61 {
		f |= ptp.FlagLeap61
	}
	if tp.Leap59 {
		f |= ptp.FlagLeap59
	}
	if tp.CurrentUTCOffsetValid {
		f |= ptp.FlagCurrentUtcOffsetValid
	}
	if tp.PTPTimescale {
		f |= ptp.FlagPTPTimescale
	}
	if tp.TimeTraceable {
		f |= ptp.FlagTimeTraceable
	}
	if tp.FrequencyTraceable {
		f |= ptp.FlagFrequencyTraceable
	}
	return f
}

// PortDS holds per-port attributes, 8.2.15
type PortDS struct {
	PortIdentity            ptp.PortIdentity
	PortState               ptp.PortState
	LogMinDelayReqInterval  ptp.LogInterval
	PeerMeanLinkDelay       time.Duration
	LogAnnounceInterval     ptp.LogInterval
	AnnounceReceiptTimeout  uint8
	LogSyncInterval         ptp.LogInterval
	DelayMechanism          DelayMechanism
	LogMinPdelayReqInterval ptp.LogInterval
	VersionNumber           uint8
	MinorVersionNumber      uint8
	DelayAsymmetry          time.Duration
	MasterOnly              bool
}

// AnnounceReceiptTimeoutDuration is how long the port waits for an Announce
// from its selected master before it forces a BMCA re-run
func (p *PortDS) AnnounceReceiptTimeoutDuration() time.Duration {
	return time.Duration(p.AnnounceReceiptTimeout) * p.LogAnnounceInterval.Duration()
}
