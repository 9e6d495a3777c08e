package worker

import "container/heap"

// runnableHeap orders *Request by priority (descending), then recv-time
// (ascending), matching spec §4.5's "runnable heap (priority then
// recv-time)". It only ever holds requests that yielded once and whose
// awaited event has since fired; freshly admitted requests bypass it and
// are decoded+run on demand (see Worker.getRunnable).
type runnableHeap []*Request

func (h runnableHeap) Len() int { return len(h) }

func (h runnableHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].recvTime.Before(h[j].recvTime)
}

func (h runnableHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *runnableHeap) Push(x interface{}) { *h = append(*h, x.(*Request)) }

func (h *runnableHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func pushRunnable(h *runnableHeap, r *Request) { heap.Push(h, r) }

func popRunnable(h *runnableHeap) *Request {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*Request)
}
