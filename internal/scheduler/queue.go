package scheduler

import (
	"container/heap"
	"time"

	"github.com/aditya08deole/MAIN-sub001/internal/models"
)

// Task 调度任务（仅内存，启动时由设备配置和运行状态重建）
type Task struct {
	Device   models.Device
	Status   models.DeviceStatus
	NextPoll time.Time
	Interval time.Duration
	Priority int

	index int // 在堆中的位置，-1 表示不在队列中
}

// taskHeap 按 NextPoll 排序的小顶堆，同一时刻 Priority 小的优先
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].NextPoll.Equal(h[j].NextPoll) {
		return h[i].Priority < h[j].Priority
	}
	return h[i].NextPoll.Before(h[j].NextPoll)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// queue 调度队列，只由调度循环访问
type queue struct {
	h taskHeap
}

func newQueue() *queue {
	return &queue{}
}

func (q *queue) Len() int { return q.h.Len() }

func (q *queue) push(t *Task) {
	if t.index >= 0 && t.index < len(q.h) && q.h[t.index] == t {
		heap.Fix(&q.h, t.index)
		return
	}
	heap.Push(&q.h, t)
}

func (q *queue) peek() *Task {
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

func (q *queue) pop() *Task {
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Task)
}

func (q *queue) remove(t *Task) {
	if t.index >= 0 && t.index < len(q.h) && q.h[t.index] == t {
		heap.Remove(&q.h, t.index)
	}
}

// reschedule 修改下次轮询时间并调整位置（不在队列中则加入）
func (q *queue) reschedule(t *Task, next time.Time) {
	t.NextPoll = next
	q.push(t)
}

func (q *queue) contains(t *Task) bool {
	return t.index >= 0 && t.index < len(q.h) && q.h[t.index] == t
}
