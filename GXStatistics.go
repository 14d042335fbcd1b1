package gxbridge

// --------------------------------------------------------------------------
//
//	Gurux Ltd
//
// Filename:        $HeadURL$
//
// Version:         $Revision$,
//
//	$Date$
//	$Author$
//
// # Copyright (c) Gurux Ltd
//
// ---------------------------------------------------------------------------
//
//	DESCRIPTION
//
// This file is a part of Gurux Device Framework.
//
// Gurux Device Framework is Open Source software; you can redistribute it
// and/or modify it under the terms of the GNU General Public License
// as published by the Free Software Foundation; version 2 of the License.
// Gurux Device Framework is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
// See the GNU General Public License for more details.
//
// More information of Gurux products: https://www.gurux.org
//
// This code is licensed under the GNU General Public License v2.
// Full text may be retrieved at http://www.gnu.org/licenses/gpl-2.0.txt
// ---------------------------------------------------------------------------

import "sync/atomic"

// Statistics is a snapshot of the bridge counters.
type Statistics struct {
	TCPBytesReceived    uint64
	TCPBytesSent        uint64
	SerialBytesReceived uint64
	SerialBytesSent     uint64
	// TCPConnects is the amount of successful TCP connects.
	TCPConnects uint64
	// SerialOpens is the amount of successful serial port opens.
	SerialOpens uint64
	// IdleFlushes is the amount of idle timeouts that wrote pending data.
	IdleFlushes uint64
	// DroppedPayloads is the amount of TCP payloads discarded by the
	// overflow policy.
	DroppedPayloads   uint64
	TCPWriteErrors    uint64
	SerialWriteErrors uint64
	// PendingPayloads is the amount of payloads currently queued.
	PendingPayloads uint64
}

type statistics struct {
	tcpBytesReceived    atomic.Uint64
	tcpBytesSent        atomic.Uint64
	serialBytesReceived atomic.Uint64
	serialBytesSent     atomic.Uint64
	tcpConnects         atomic.Uint64
	serialOpens         atomic.Uint64
	idleFlushes         atomic.Uint64
	droppedPayloads     atomic.Uint64
	tcpWriteErrors      atomic.Uint64
	serialWriteErrors   atomic.Uint64
	pendingPayloads     atomic.Uint64
}

func (s *statistics) snapshot() Statistics {
	return Statistics{
		TCPBytesReceived:    s.tcpBytesReceived.Load(),
		TCPBytesSent:        s.tcpBytesSent.Load(),
		SerialBytesReceived: s.serialBytesReceived.Load(),
		SerialBytesSent:     s.serialBytesSent.Load(),
		TCPConnects:         s.tcpConnects.Load(),
		SerialOpens:         s.serialOpens.Load(),
		IdleFlushes:         s.idleFlushes.Load(),
		DroppedPayloads:     s.droppedPayloads.Load(),
		TCPWriteErrors:      s.tcpWriteErrors.Load(),
		SerialWriteErrors:   s.serialWriteErrors.Load(),
		PendingPayloads:     s.pendingPayloads.Load(),
	}
}

func (s *statistics) reset() {
	s.tcpBytesReceived.Store(0)
	s.tcpBytesSent.Store(0)
	s.serialBytesReceived.Store(0)
	s.serialBytesSent.Store(0)
	s.tcpConnects.Store(0)
	s.serialOpens.Store(0)
	s.idleFlushes.Store(0)
	s.droppedPayloads.Store(0)
	s.tcpWriteErrors.Store(0)
	s.serialWriteErrors.Store(0)
}
