package task

import (
	"context"
	"log"
	"time"
)

// Sweeper 将过期会话标记为离开。
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// SweepSessionsJob 定期清理失去心跳的访客会话，使在线人数在无流量时也会衰减。
type SweepSessionsJob struct {
	sweeper Sweeper
	timeout time.Duration
}

// NewSweepSessionsJob 是任务的构造函数
func NewSweepSessionsJob(sweeper Sweeper, timeout time.Duration) *SweepSessionsJob {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SweepSessionsJob{sweeper: sweeper, timeout: timeout}
}

// Run 实现 cron.Job
func (j *SweepSessionsJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	n, err := j.sweeper.Sweep(ctx)
	if err != nil {
		log.Printf("[task] %s failed: %v", j.Name(), err)
		return
	}
	if n > 0 {
		log.Printf("[task] %s deactivated %d stale session(s)", j.Name(), n)
	}
}

// Name 用于日志输出
func (j *SweepSessionsJob) Name() string {
	return "SweepSessionsJob"
}
