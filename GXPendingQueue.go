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

// pendingQueue holds the TCP payloads waiting for the serial line to become
// idle. It is owned by the coordinator goroutine and has no locking.
type pendingQueue struct {
	capacity int
	policy   OverflowPolicy
	items    [][]byte
}

func newPendingQueue(capacity int, policy OverflowPolicy) *pendingQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &pendingQueue{capacity: capacity, policy: policy}
}

// Push appends a payload. If the queue is full one payload is discarded
// according to the overflow policy and dropped is true.
func (q *pendingQueue) Push(data []byte) (dropped bool) {
	if len(q.items) < q.capacity {
		q.items = append(q.items, data)
		return false
	}
	if q.policy == DropNewest {
		return true
	}
	copy(q.items, q.items[1:])
	q.items[len(q.items)-1] = data
	return true
}

// Drain removes and returns all queued payloads in arrival order.
func (q *pendingQueue) Drain() [][]byte {
	if len(q.items) == 0 {
		return nil
	}
	items := q.items
	q.items = nil
	return items
}

// Requeue puts payloads that could not be written back in front of the
// queue. Payloads that no longer fit are discarded from the tail and their
// count is returned.
func (q *pendingQueue) Requeue(items [][]byte) int {
	if len(items) == 0 {
		return 0
	}
	merged := make([][]byte, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	merged = append(merged, q.items...)
	dropped := 0
	if len(merged) > q.capacity {
		dropped = len(merged) - q.capacity
		if q.policy == DropNewest {
			merged = merged[:q.capacity]
		} else {
			merged = merged[dropped:]
		}
	}
	q.items = merged
	return dropped
}

// Len returns the amount of queued payloads.
func (q *pendingQueue) Len() int {
	return len(q.items)
}
