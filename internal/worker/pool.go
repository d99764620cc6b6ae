package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Pool 探针执行 Worker 池
type Pool struct {
	workers  int
	taskChan chan *Task
	logger   *logrus.Logger
	wg       sync.WaitGroup
}

// Task 任务
type Task struct {
	ID       string
	Run      func(ctx context.Context)
	resultCh chan struct{} // 用于同步等待任务完成
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, logger *logrus.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers
	}
	return &Pool{
		workers:  workers,
		taskChan: make(chan *Task, queueSize),
		logger:   logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Debug("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// worker Worker 协程
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Debug("Worker shutting down")
			return

		case task, ok := <-p.taskChan:
			if !ok {
				return
			}

			p.logger.WithFields(logrus.Fields{
				"worker_id": id,
				"task_id":   task.ID,
			}).Trace("Processing task")

			task.Run(ctx)

			if task.resultCh != nil {
				close(task.resultCh)
			}
		}
	}
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(task *Task) error {
	select {
	case p.taskChan <- task:
		return nil
	default:
		return fmt.Errorf("task queue is full")
	}
}

// Stop 停止 Worker 池
func (p *Pool) Stop() {
	close(p.taskChan)
	p.wg.Wait()
	p.logger.Debug("Worker pool stopped")
}

// RunAll 使用临时池执行全部任务并等待全部结束
//
// 任务自身负责遵守 ctx 超时；RunAll 在所有已提交任务返回前不会返回。
func RunAll(ctx context.Context, workers int, tasks []*Task, logger *logrus.Logger) {
	if len(tasks) == 0 {
		return
	}

	pool := NewPool(workers, len(tasks), logger)
	// 独立的 ctx 保证 worker 不会在队列排空前退出
	pool.Start(context.Background())

	for _, task := range tasks {
		task.resultCh = make(chan struct{})
		if err := pool.Submit(task); err != nil {
			// 队列容量等于任务数，不应发生；退化为同步执行
			task.Run(ctx)
			close(task.resultCh)
		}
	}

	for _, task := range tasks {
		<-task.resultCh
	}
	pool.Stop()
}
