package server

import "time"

// waitEntry is one caller waiting for a busy target.
type waitEntry struct {
	Caller     string
	CallID     uint32
	EnqueuedAt time.Time
}

// WaitQueues holds one FIFO queue of pending callers per busy target.
// Like Directory, it is pure data: no locking, no notifications. The
// dispatcher decides who gets told what.
type WaitQueues struct {
	queues map[string][]waitEntry
}

// NewWaitQueues creates an empty queue set.
func NewWaitQueues() *WaitQueues {
	return &WaitQueues{queues: make(map[string][]waitEntry)}
}

// Enqueue appends a caller to the target's queue and returns the 1-based
// position. A caller already queued for that target keeps their position;
// the entry timestamp is refreshed and alreadyQueued is true.
func (q *WaitQueues) Enqueue(target, caller string, callID uint32, now time.Time) (position int, alreadyQueued bool) {
	entries := q.queues[target]
	for i := range entries {
		if entries[i].Caller == caller {
			entries[i].EnqueuedAt = now
			return i + 1, true
		}
	}
	q.queues[target] = append(entries, waitEntry{Caller: caller, CallID: callID, EnqueuedAt: now})
	return len(entries) + 1, false
}

// DequeueHead pops the earliest-inserted entry for the target.
func (q *WaitQueues) DequeueHead(target string) (waitEntry, bool) {
	entries := q.queues[target]
	if len(entries) == 0 {
		return waitEntry{}, false
	}
	head := entries[0]
	if len(entries) == 1 {
		delete(q.queues, target)
	} else {
		q.queues[target] = entries[1:]
	}
	return head, true
}

// Remove deletes a caller's entry from one target's queue.
func (q *WaitQueues) Remove(target, caller string) bool {
	entries := q.queues[target]
	for i := range entries {
		if entries[i].Caller == caller {
			q.queues[target] = append(entries[:i:i], entries[i+1:]...)
			if len(q.queues[target]) == 0 {
				delete(q.queues, target)
			}
			return true
		}
	}
	return false
}

// RemoveCaller deletes a caller from every queue (caller disconnected) and
// returns the targets whose queues changed.
func (q *WaitQueues) RemoveCaller(caller string) []string {
	var affected []string
	for target := range q.queues {
		if q.Remove(target, caller) {
			affected = append(affected, target)
		}
	}
	return affected
}

// Entries returns the target's queue in order. The returned slice is the
// live backing array; callers must not mutate it.
func (q *WaitQueues) Entries(target string) []waitEntry {
	return q.queues[target]
}

// Drop removes and returns the target's whole queue (target disconnected;
// the dispatcher fails every waiting attempt).
func (q *WaitQueues) Drop(target string) []waitEntry {
	entries := q.queues[target]
	delete(q.queues, target)
	return entries
}

// Len returns how many callers wait for the target.
func (q *WaitQueues) Len(target string) int {
	return len(q.queues[target])
}
