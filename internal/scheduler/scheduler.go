// Package scheduler 按下次轮询时间排序的设备轮询调度器
//
// 单一调度循环拥有队列；轮询在信号量限定的工作池中并发执行，
// 结果通过 channel 回到循环中应用。同一设备同时最多一个轮询在途。
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/aditya08deole/MAIN-sub001/internal/models"
)

// Outcome 单次轮询结果分类
type Outcome int

const (
	// OutcomeOK 成功（包括无数据）
	OutcomeOK Outcome = iota
	// OutcomeDeferred 稍后重试（限流）
	OutcomeDeferred
	// OutcomeTransient 计为失败，按正常周期重试
	OutcomeTransient
	// OutcomePermanent 暂停轮询直到 Resume
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeTransient:
		return "transient"
	case OutcomePermanent:
		return "permanent"
	}
	return "unknown"
}

// Result 轮询结果
type Result struct {
	DeviceID string
	Outcome  Outcome
	// Status 轮询后的设备状态，空表示未变化
	Status models.DeviceStatus
}

// Poller 执行单个设备的一次轮询
type Poller interface {
	Poll(ctx context.Context, device models.Device) Result
}

// Config 调度器配置
type Config struct {
	Workers       int
	DeferDelay    time.Duration // 限流/工作池满时的重排延迟
	MaxSleep      time.Duration // 单次休眠上限
	ShutdownGrace time.Duration // 关闭时等待在途轮询的时长
	Policy        Policy
	Now           func() time.Time
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.DeferDelay <= 0 {
		c.DeferDelay = 5 * time.Second
	}
	if c.MaxSleep <= 0 {
		c.MaxSleep = time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.Policy == (Policy{}) {
		c.Policy = DefaultPolicy()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// TaskInfo 任务快照
type TaskInfo struct {
	DeviceID string              `json:"device_id"`
	Status   models.DeviceStatus `json:"status"`
	NextPoll time.Time           `json:"next_poll"`
	Interval time.Duration       `json:"interval"`
	Priority int                 `json:"priority"`
	Paused   bool                `json:"paused"`
	InFlight bool                `json:"in_flight"`
}

type commandKind int

const (
	cmdUpsert commandKind = iota
	cmdRemove
	cmdPause
	cmdResume
	cmdSync
	cmdLookup
)

type command struct {
	kind    commandKind
	device  models.Device
	status  models.DeviceStatus
	id      string
	devices []models.Device
	states  map[string]models.OperationalState
	reply   chan lookupReply
}

type lookupReply struct {
	info TaskInfo
	ok   bool
}

// Scheduler 轮询调度器
type Scheduler struct {
	cfg    Config
	poller Poller
	logger *zap.Logger

	// 以下字段只由调度循环访问（Run 之前由 Seed 初始化）
	queue    *queue
	tasks    map[string]*Task
	paused   map[string]bool
	inFlight map[string]bool

	sem      *semaphore.Weighted
	results  chan Result
	commands chan command
	stopping chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// New 创建调度器
func New(cfg Config, poller Poller, logger *zap.Logger) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{
		cfg:      cfg,
		poller:   poller,
		logger:   logger,
		queue:    newQueue(),
		tasks:    make(map[string]*Task),
		paused:   make(map[string]bool),
		inFlight: make(map[string]bool),
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		results:  make(chan Result, cfg.Workers),
		commands: make(chan command, 256),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Seed 以设备配置与当前运行状态初始化队列，所有任务立即到期
// 必须在 Run 之前调用
func (s *Scheduler) Seed(devices []models.Device, states map[string]models.OperationalState) {
	s.sync(devices, states)
}

// Run 运行调度循环，直到 ctx 取消；返回前等待在途轮询（最多 ShutdownGrace）
func (s *Scheduler) Run(ctx context.Context) error {
	// 轮询使用独立 context，关闭时先给在途轮询留出宽限期
	pollCtx, cancelPolls := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelPolls()
	defer close(s.done)

	s.logger.Info("Scheduler started",
		zap.Int("workers", s.cfg.Workers),
		zap.Int("tasks", len(s.tasks)),
	)

	for ctx.Err() == nil {
		s.drain()

		task := s.queue.peek()
		wait := s.cfg.MaxSleep
		if task != nil {
			wait = task.NextPoll.Sub(s.cfg.Now())
			if wait <= 0 {
				s.dispatch(pollCtx, task)
				continue
			}
			if wait > s.cfg.MaxSleep {
				wait = s.cfg.MaxSleep
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
		case r := <-s.results:
			s.apply(r)
		case c := <-s.commands:
			s.handle(c)
		case <-timer.C:
		}
		timer.Stop()
	}

	s.shutdown(cancelPolls)
	return nil
}

// drain 非阻塞地处理已到达的结果与命令
func (s *Scheduler) drain() {
	for {
		select {
		case r := <-s.results:
			s.apply(r)
		case c := <-s.commands:
			s.handle(c)
		default:
			return
		}
	}
}

func (s *Scheduler) shutdown(cancelPolls context.CancelFunc) {
	close(s.stopping)

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-finished:
	case <-grace.C:
		s.logger.Warn("Shutdown grace elapsed, cancelling in-flight polls",
			zap.Int("in_flight", len(s.inFlight)),
		)
		cancelPolls()
		<-finished
	}
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) dispatch(ctx context.Context, task *Task) {
	now := s.cfg.Now()
	id := task.Device.ID

	if s.inFlight[id] {
		s.queue.reschedule(task, now.Add(task.Interval))
		return
	}
	if !s.sem.TryAcquire(1) {
		s.queue.reschedule(task, now.Add(s.cfg.DeferDelay))
		return
	}

	s.inFlight[id] = true
	s.queue.reschedule(task, now.Add(task.Interval))

	device := task.Device
	s.wg.Add(1)
	go s.work(ctx, device)
}

func (s *Scheduler) work(ctx context.Context, device models.Device) {
	defer s.wg.Done()

	result := s.poll(ctx, device)
	s.sem.Release(1)

	select {
	case s.results <- result:
	case <-s.stopping:
	}
}

func (s *Scheduler) poll(ctx context.Context, device models.Device) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Poll panicked",
				zap.String("device_id", device.ID),
				zap.String("panic", fmt.Sprint(r)),
			)
			result = Result{DeviceID: device.ID, Outcome: OutcomeTransient}
		}
	}()

	result = s.poller.Poll(ctx, device)
	result.DeviceID = device.ID
	return result
}

func (s *Scheduler) apply(r Result) {
	delete(s.inFlight, r.DeviceID)

	task, ok := s.tasks[r.DeviceID]
	if !ok || s.paused[r.DeviceID] {
		return
	}
	now := s.cfg.Now()

	switch r.Outcome {
	case OutcomeDeferred:
		s.queue.reschedule(task, now.Add(s.cfg.DeferDelay))
	case OutcomePermanent:
		s.pause(task)
		s.logger.Warn("Polling paused after permanent failure",
			zap.String("device_id", r.DeviceID),
		)
		return
	}

	if r.Status != "" && r.Status != task.Status {
		s.retune(task, r.Status, now)
	}
}

// retune 状态变化后重新计算间隔与优先级，间隔缩短时提前下次轮询
func (s *Scheduler) retune(task *Task, status models.DeviceStatus, now time.Time) {
	task.Status = status
	task.Priority = s.cfg.Policy.Priority(task.Device, status)
	interval := s.cfg.Policy.Interval(task.Device, status)
	next := task.NextPoll
	if candidate := now.Add(interval); candidate.Before(next) {
		next = candidate
	}
	task.Interval = interval
	if s.queue.contains(task) {
		s.queue.reschedule(task, next)
	}
}

func (s *Scheduler) pause(task *Task) {
	s.queue.remove(task)
	s.paused[task.Device.ID] = true
}

func (s *Scheduler) handle(c command) {
	now := s.cfg.Now()
	switch c.kind {
	case cmdUpsert:
		s.upsert(c.device, c.status, now)
	case cmdRemove:
		s.remove(c.id)
	case cmdPause:
		if task, ok := s.tasks[c.id]; ok {
			s.pause(task)
		}
	case cmdResume:
		if task, ok := s.tasks[c.id]; ok && s.paused[c.id] {
			delete(s.paused, c.id)
			s.queue.reschedule(task, now)
			s.logger.Info("Polling resumed", zap.String("device_id", c.id))
		}
	case cmdSync:
		s.sync(c.devices, c.states)
	case cmdLookup:
		task, ok := s.tasks[c.id]
		if !ok {
			c.reply <- lookupReply{}
			return
		}
		c.reply <- lookupReply{ok: true, info: TaskInfo{
			DeviceID: task.Device.ID,
			Status:   task.Status,
			NextPoll: task.NextPoll,
			Interval: task.Interval,
			Priority: task.Priority,
			Paused:   s.paused[c.id],
			InFlight: s.inFlight[c.id],
		}}
	}
}

func (s *Scheduler) upsert(d models.Device, status models.DeviceStatus, now time.Time) {
	if !d.Enabled {
		s.remove(d.ID)
		return
	}
	if status == "" {
		status = models.StatusOnline
	}

	task, ok := s.tasks[d.ID]
	if !ok {
		task = &Task{
			Device:   d,
			Status:   status,
			NextPoll: now,
			Interval: s.cfg.Policy.Interval(d, status),
			Priority: s.cfg.Policy.Priority(d, status),
			index:    -1,
		}
		s.tasks[d.ID] = task
		s.queue.push(task)
		return
	}

	task.Device = d
	s.retune(task, status, now)
}

func (s *Scheduler) remove(id string) {
	if task, ok := s.tasks[id]; ok {
		s.queue.remove(task)
		delete(s.tasks, id)
		delete(s.paused, id)
	}
}

// sync 用完整设备列表对齐任务：新增、更新、移除不再存在的设备
func (s *Scheduler) sync(devices []models.Device, states map[string]models.OperationalState) {
	now := s.cfg.Now()
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		seen[d.ID] = true
		st, hasState := states[d.ID]
		status := models.StatusOnline
		if hasState && st.Status != "" {
			status = st.Status
		}
		s.upsert(d, status, now)

		task, ok := s.tasks[d.ID]
		if !ok {
			continue
		}
		switch {
		case hasState && st.PollingPaused:
			s.pause(task)
		case s.paused[d.ID]:
			delete(s.paused, d.ID)
			s.queue.reschedule(task, now)
		}
	}
	for id := range s.tasks {
		if !seen[id] {
			s.remove(id)
		}
	}
}

func (s *Scheduler) send(c command) {
	select {
	case s.commands <- c:
	case <-s.done:
	}
}

// Upsert 新增或更新设备任务（Enabled=false 时移除）
func (s *Scheduler) Upsert(d models.Device, status models.DeviceStatus) {
	s.send(command{kind: cmdUpsert, device: d, status: status})
}

// Remove 移除设备任务
func (s *Scheduler) Remove(deviceID string) {
	s.send(command{kind: cmdRemove, id: deviceID})
}

// Pause 暂停设备轮询
func (s *Scheduler) Pause(deviceID string) {
	s.send(command{kind: cmdPause, id: deviceID})
}

// Resume 恢复已暂停的设备，立即到期
func (s *Scheduler) Resume(deviceID string) {
	s.send(command{kind: cmdResume, id: deviceID})
}

// Sync 用最新设备列表与状态对齐任务集合
func (s *Scheduler) Sync(devices []models.Device, states map[string]models.OperationalState) {
	s.send(command{kind: cmdSync, devices: devices, states: states})
}

// Lookup 查询任务快照
func (s *Scheduler) Lookup(ctx context.Context, deviceID string) (TaskInfo, bool) {
	reply := make(chan lookupReply, 1)
	select {
	case s.commands <- command{kind: cmdLookup, id: deviceID, reply: reply}:
	case <-s.done:
		return TaskInfo{}, false
	case <-ctx.Done():
		return TaskInfo{}, false
	}
	select {
	case r := <-reply:
		return r.info, r.ok
	case <-s.done:
		return TaskInfo{}, false
	case <-ctx.Done():
		return TaskInfo{}, false
	}
}
