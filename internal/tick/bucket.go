package tick

import (
	"iter"

	"netsim/server/internal/entity"
)

const minBucketCapacity = 16

// BucketedQueue is a set of per-tick-group FIFO queues that keep their
// backing arrays across frames. Each bucket remembers a decaying high-water
// mark so a single spike does not pin memory forever.
type BucketedQueue[T any] struct {
	buckets   [entity.NumTickGroups][]T
	cursors   [entity.NumTickGroups]int
	highWater [entity.NumTickGroups]int
}

// Reset empties every bucket while keeping capacity sized to recent use.
func (q *BucketedQueue[T]) Reset() {
	for i := range q.buckets {
		used := len(q.buckets[i])
		mark := q.highWater[i] - q.highWater[i]/4
		if used > mark {
			mark = used
		}
		q.highWater[i] = mark

		var zero T
		for j := range q.buckets[i] {
			q.buckets[i][j] = zero
		}
		target := mark
		if target < minBucketCapacity {
			target = minBucketCapacity
		}
		switch {
		case q.buckets[i] == nil:
			q.buckets[i] = make([]T, 0, target)
		case cap(q.buckets[i]) > 2*target:
			q.buckets[i] = make([]T, 0, target)
		default:
			q.buckets[i] = q.buckets[i][:0]
		}
		q.cursors[i] = 0
	}
}

// Push appends item to the bucket for group.
func (q *BucketedQueue[T]) Push(group entity.TickGroup, item T) {
	q.buckets[group] = append(q.buckets[group], item)
}

// Len reports the number of items not yet drained from group.
func (q *BucketedQueue[T]) Len(group entity.TickGroup) int {
	return len(q.buckets[group]) - q.cursors[group]
}

// Queued reports the total number of items pushed to group since Reset.
func (q *BucketedQueue[T]) Queued(group entity.TickGroup) int {
	return len(q.buckets[group])
}

// Capacity reports the current backing capacity of group.
func (q *BucketedQueue[T]) Capacity(group entity.TickGroup) int {
	return cap(q.buckets[group])
}

// Drain yields the items queued for group in FIFO order. Items are consumed
// as they are yielded, so a second Drain only sees items pushed after the
// first one stopped. Items pushed while draining are yielded too.
func (q *BucketedQueue[T]) Drain(group entity.TickGroup) iter.Seq[T] {
	return func(yield func(T) bool) {
		for q.cursors[group] < len(q.buckets[group]) {
			item := q.buckets[group][q.cursors[group]]
			q.cursors[group]++
			if !yield(item) {
				return
			}
		}
	}
}
