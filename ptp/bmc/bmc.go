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
Package bmc implements the dataset comparison algorithm and the state
decision algorithm of the Best Master Clock Algorithm as described in
IEEE 1588-2019 sections 9.3.2 and 9.3.4.
*/
package bmc

import (
	ptp "github.com/opentimed/ptpd/ptp/protocol"
)

// ComparisonResult is the type to represent comparisons
type ComparisonResult int8

const (
	// ABetterTopo means A is better based on topology
	ABetterTopo ComparisonResult = 2
	// ABetter means A is better based on Announce content
	ABetter ComparisonResult = 1
	// Unknown means we failed to determine better
	Unknown ComparisonResult = 0
	// BBetter means B is better based on Announce content
	BBetter ComparisonResult = -1
	// BBetterTopo means B is better based on topology
	BBetterTopo ComparisonResult = -2
)

// ComparePortIdentity compares two port identities
func ComparePortIdentity(this *ptp.PortIdentity, that *ptp.PortIdentity) int64 {
	return int64(this.Compare(*that))
}

// Dscmp2 finds better Announce based on network topology. The ±1 tolerance
// on stepsRemoved prevents flapping between two paths whose length differs
// only at the receiver.
func Dscmp2(a *ptp.Announce, b *ptp.Announce) ComparisonResult {
	if a.StepsRemoved+1 < b.StepsRemoved {
		return ABetter
	}
	if b.StepsRemoved+1 < a.StepsRemoved {
		return BBetter
	}

	diff := ComparePortIdentity(&a.SourcePortIdentity, &b.SourcePortIdentity)
	if diff < 0 {
		return ABetterTopo
	}
	if diff > 0 {
		return BBetterTopo
	}
	return Unknown
}

// Dscmp finds better Announce based on Announce content
func Dscmp(a *ptp.Announce, b *ptp.Announce) ComparisonResult {
	if a.AnnounceBody == b.AnnounceBody {
		return Dscmp2(a, b)
	}
	if a.GrandmasterIdentity == b.GrandmasterIdentity {
		return Dscmp2(a, b)
	}
	if a.GrandmasterPriority1 < b.GrandmasterPriority1 {
		return ABetter
	}
	if a.GrandmasterPriority1 > b.GrandmasterPriority1 {
		return BBetter
	}

	if a.GrandmasterClockQuality.ClockClass < b.GrandmasterClockQuality.ClockClass {
		return ABetter
	}
	if a.GrandmasterClockQuality.ClockClass > b.GrandmasterClockQuality.ClockClass {
		return BBetter
	}
	if a.GrandmasterClockQuality.ClockAccuracy < b.GrandmasterClockQuality.ClockAccuracy {
		return ABetter
	}
	if a.GrandmasterClockQuality.ClockAccuracy > b.GrandmasterClockQuality.ClockAccuracy {
		return BBetter
	}
	if a.GrandmasterClockQuality.OffsetScaledLogVariance < b.GrandmasterClockQuality.OffsetScaledLogVariance {
		return ABetter
	}
	if a.GrandmasterClockQuality.OffsetScaledLogVariance > b.GrandmasterClockQuality.OffsetScaledLogVariance {
		return BBetter
	}
	if a.GrandmasterPriority2 < b.GrandmasterPriority2 {
		return ABetter
	}
	if a.GrandmasterPriority2 > b.GrandmasterPriority2 {
		return BBetter
	}
	if a.GrandmasterIdentity < b.GrandmasterIdentity {
		return ABetter
	}
	return BBetter
}

// Better reports whether a beats b, by content or by topology
func Better(a *ptp.Announce, b *ptp.Announce) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return Dscmp(a, b) > 0
}
