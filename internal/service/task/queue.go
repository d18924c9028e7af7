package task

import "container/heap"

type item struct {
	task   Task
	ticket *Ticket
	seq    uint64
	index  int
}

// delayQueue is a min-heap ordered by NotBefore, FIFO among equal times.
type delayQueue []*item

func (q delayQueue) Len() int { return len(q) }

func (q delayQueue) Less(i, j int) bool {
	if q[i].task.NotBefore.Equal(q[j].task.NotBefore) {
		return q[i].seq < q[j].seq
	}
	return q[i].task.NotBefore.Before(q[j].task.NotBefore)
}

func (q delayQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *delayQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *delayQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}

func (q *delayQueue) push(it *item) { heap.Push(q, it) }

func (q *delayQueue) pop() *item { return heap.Pop(q).(*item) }

func (q delayQueue) peek() *item {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
