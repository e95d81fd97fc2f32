// Package orchestrator implements the task lifecycle state machine,
// per-channel FIFO scheduling, and the approval pause/resume protocol.
package orchestrator

import "sync"

// PerChannelQueue maps a channelSessionId to an ordered sequence of task
// ids, with a parallel processing marker. Bounded per channel; empty
// queues are removed eagerly.
type PerChannelQueue struct {
	maxSize int

	mu         sync.Mutex
	queues     map[string][]string
	processing map[string]bool
}

// NewPerChannelQueue builds a queue bounded to maxSize entries per
// channel.
func NewPerChannelQueue(maxSize int) *PerChannelQueue {
	return &PerChannelQueue{
		maxSize:    maxSize,
		queues:     make(map[string][]string),
		processing: make(map[string]bool),
	}
}

// Enqueue appends taskID to channel's queue. It returns false when the
// channel is already at maxSize.
func (q *PerChannelQueue) Enqueue(channel, taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queues[channel]) >= q.maxSize {
		return false
	}
	q.queues[channel] = append(q.queues[channel], taskID)
	return true
}

// Front returns the head task id for channel, if any.
func (q *PerChannelQueue) Front(channel string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.queues[channel]
	if len(ids) == 0 {
		return "", false
	}
	return ids[0], true
}

// Dequeue removes the head of channel's queue, eagerly deleting the map
// entry once it is empty.
func (q *PerChannelQueue) Dequeue(channel string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.queues[channel]
	if len(ids) == 0 {
		return
	}
	ids = ids[1:]
	if len(ids) == 0 {
		delete(q.queues, channel)
	} else {
		q.queues[channel] = ids
	}
}

// Remove deletes taskID from channel's queue wherever it sits (used by
// abort on a still-pending task), restoring one slot of capacity.
func (q *PerChannelQueue) Remove(channel, taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.queues[channel]
	for i, id := range ids {
		if id == taskID {
			ids = append(ids[:i], ids[i+1:]...)
			if len(ids) == 0 {
				delete(q.queues, channel)
			} else {
				q.queues[channel] = ids
			}
			return true
		}
	}
	return false
}

// IsProcessing reports whether channel currently carries the processing
// marker.
func (q *PerChannelQueue) IsProcessing(channel string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing[channel]
}

// MarkProcessing sets the processing marker for channel.
func (q *PerChannelQueue) MarkProcessing(channel string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processing[channel] = true
}

// UnmarkProcessing clears the processing marker for channel.
func (q *PerChannelQueue) UnmarkProcessing(channel string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, channel)
}

// Clear drops every queued task and processing marker, used on
// orchestrator shutdown.
func (q *PerChannelQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues = make(map[string][]string)
	q.processing = make(map[string]bool)
}

// Len reports the current queue depth for channel.
func (q *PerChannelQueue) Len(channel string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[channel])
}
