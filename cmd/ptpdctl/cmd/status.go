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

package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(statusCmd)
	RootCmd.AddCommand(countersCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print datasets and per-port state of the running daemon",
	Run: func(c *cobra.Command, args []string) {
		ConfigureVerbosity()
		if err := printStatus(); err != nil {
			log.Fatal(err)
		}
	},
}

func printStatus() error {
	s, err := fetchStatus()
	if err != nil {
		return err
	}
	if s.SlavePort == 0 {
		color.Yellow("acting as GRANDMASTER in domain %d", s.DomainNumber)
	} else {
		color.Green("synchronized to %s via port %d: offset %v, mean delay %v",
			s.GrandmasterIdentity, s.SlavePort, s.OffsetFromMaster, s.MeanDelay)
	}

	fmt.Printf("clock identity: %s (%s, %d port(s))\n", s.ClockIdentity, s.InstanceType, s.NumberPorts)
	fmt.Printf("priority1: %d priority2: %d domain: %d slave-only: %v\n", s.Priority1, s.Priority2, s.DomainNumber, s.SlaveOnly)
	fmt.Printf("grandmaster: %s class: %d accuracy: 0x%x p1: %d p2: %d\n",
		s.GrandmasterIdentity, s.GrandmasterQuality.ClockClass, uint8(s.GrandmasterQuality.ClockAccuracy),
		s.GrandmasterPriority1, s.GrandmasterPriority2)
	fmt.Printf("steps removed: %d utc offset: %ds (valid: %v) leap59: %v leap61: %v\n",
		s.StepsRemoved, s.CurrentUTCOffset, s.CurrentUTCOffsetValid, s.Leap59, s.Leap61)
	if len(s.PathTrace) > 0 {
		fmt.Printf("path trace: %s\n", strings.Join(s.PathTrace, " -> "))
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"port", "state", "mechanism", "peer delay", "rx announce", "rx sync", "drops"})
	for _, p := range s.Ports {
		drops := p.Counters.DecodeErrors + p.Counters.VersionMismatch + p.Counters.PolicyRejected + p.Counters.Inconsistencies
		table.Append([]string{
			fmt.Sprintf("%d", p.PortNumber),
			p.State,
			p.DelayMechanism,
			fmt.Sprintf("%v", p.PeerMeanLinkDelay),
			fmt.Sprintf("%d", p.Counters.RxAnnounce),
			fmt.Sprintf("%d", p.Counters.RxSync),
			fmt.Sprintf("%d", drops),
		})
	}
	table.Render()
	return nil
}

var countersCmd = &cobra.Command{
	Use:   "counters",
	Short: "Print raw daemon counters",
	Run: func(c *cobra.Command, args []string) {
		ConfigureVerbosity()
		counters, err := fetchCounters()
		if err != nil {
			log.Fatal(err)
		}
		keys := make([]string, 0, len(counters))
		for k := range counters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("%s: %d\n", k, counters[k])
		}
	},
}
