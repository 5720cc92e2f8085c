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
Package dscp sets the DSCP marking on sockets, so PTP packets can ride a
prioritized queue through the network.
*/
package dscp

import (
	"net"

	"golang.org/x/sys/unix"
)

// Enable sets the DSCP value on a socket. The local IP decides whether the
// IPv4 or the IPv6 option (or both, for a wildcard v6 bind) must be set.
func Enable(connFd int, localAddr net.IP, dscp int) error {
	if localAddr.To4() != nil {
		return unix.SetsockoptInt(connFd, unix.IPPROTO_IP, unix.IP_TOS, dscp<<2)
	}
	if err := unix.SetsockoptInt(connFd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, dscp<<2); err != nil {
		return err
	}
	if localAddr.IsUnspecified() {
		// a wildcard v6 socket may still carry v4 traffic
		return unix.SetsockoptInt(connFd, unix.IPPROTO_IP, unix.IP_TOS, dscp<<2)
	}
	return nil
}
