package task

import (
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
)

// Scheduler 封装 cron 实例，负责任务的注册、启动和停止。
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler 创建调度器，任务 panic 会被恢复，上一轮未结束时跳过本轮。
func NewScheduler() *Scheduler {
	c := cron.New(
		cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DefaultLogger),
		),
	)
	return &Scheduler{cron: c}
}

// Job 是带名称的定时任务，名称用于日志。
type Job interface {
	cron.Job
	Name() string
}

// Register 按 cron 表达式（如 "@every 1m"）注册任务。
func (s *Scheduler) Register(schedule string, job Job) error {
	if _, err := s.cron.AddJob(schedule, job); err != nil {
		return fmt.Errorf("register %s (%q): %w", job.Name(), schedule, err)
	}
	log.Printf("[task] registered %s, schedule %q", job.Name(), schedule)
	return nil
}

// Start 启动 cron 调度器。
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop 停止调度器并等待运行中的任务结束。
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
