// timer/timer.go
package timer

import (
	"container/heap"
	"sync"
	"time"
)

// Task 周期任务，回调结束后才重新排队，同一任务不会重叠执行
type Task struct {
	Execute  time.Time
	Interval time.Duration
	Callback func()
	index    int
}

type taskQueue []*Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	return q[i].Execute.Before(q[j].Execute)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x interface{}) {
	task := x.(*Task)
	task.index = len(*q)
	*q = append(*q, task)
}

func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*q = old[:n-1]
	return task
}

// Manager 基于最小堆的调度器
type Manager struct {
	queue    taskQueue
	mutex    sync.Mutex
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

func NewManager() *Manager {
	m := &Manager{
		queue: make(taskQueue, 0),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		now:   time.Now,
	}
	heap.Init(&m.queue)
	go m.process()
	return m
}

// Every 每隔 interval 执行一次，首次在 interval 之后
func (m *Manager) Every(interval time.Duration, callback func()) {
	m.mutex.Lock()
	task := &Task{
		Execute:  m.now().Add(interval),
		Interval: interval,
		Callback: callback,
	}
	heap.Push(&m.queue, task)
	m.mutex.Unlock()

	m.notify()
}

// Stop 停止调度并等待正在执行的回调结束
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mutex.Lock()
		close(m.done)
		m.mutex.Unlock()
	})
	m.wg.Wait()
}

func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) process() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wait := m.fireDue()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-m.done:
			return
		case <-m.wake:
		case <-timer.C:
		}
	}
}

// fireDue 执行所有到期任务，返回距下一个任务的等待时间
func (m *Manager) fireDue() time.Duration {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := m.now()
	for m.queue.Len() > 0 {
		task := m.queue[0]
		if task.Execute.After(now) {
			return task.Execute.Sub(now)
		}
		heap.Pop(&m.queue)

		select {
		case <-m.done:
			return time.Hour
		default:
		}
		m.wg.Add(1)
		go m.run(task)
	}
	return time.Hour
}

func (m *Manager) run(task *Task) {
	defer m.wg.Done()
	task.Callback()

	m.mutex.Lock()
	select {
	case <-m.done:
	default:
		task.Execute = m.now().Add(task.Interval)
		heap.Push(&m.queue, task)
	}
	m.mutex.Unlock()
	m.notify()
}
