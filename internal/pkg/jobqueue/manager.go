package jobqueue

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"
)

// ScheduledTask is a periodic background task run by the Manager.
type ScheduledTask struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Manager runs the scheduled background tasks of the service.
type Manager struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
}

// NewManager creates a manager. Overlapping runs of one task are skipped and
// panics are recovered.
func NewManager() *Manager {
	logger := cronLogger{}
	return &Manager{
		cron: cron.New(cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		)),
	}
}

// Schedule registers task. It must be called before Start.
func (m *Manager) Schedule(task ScheduledTask) error {
	if task.Run == nil {
		return fmt.Errorf("scheduled task %q has no run function", task.Name)
	}
	_, err := m.cron.AddFunc(task.Schedule, func() {
		m.mu.Lock()
		ctx := m.ctx
		m.mu.Unlock()
		if ctx == nil {
			return
		}
		log.Debugf("[JobQueue Manager] Running %s", task.Name)
		if err := task.Run(ctx); err != nil {
			log.Errorf("[JobQueue Manager] %s failed: %v", task.Name, err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", task.Name, task.Schedule, err)
	}
	log.Infof("[JobQueue Manager] Scheduled %s (%s)", task.Name, task.Schedule)
	return nil
}

// Start starts the background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.running = true
	m.cron.Start()
	log.Info("[JobQueue Manager] Started successfully")
}

// Stop cancels running tasks and waits for them to return
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	log.Info("[JobQueue Manager] Stopping background tasks...")
	m.cancel()
	m.running = false
	m.mu.Unlock()

	<-m.cron.Stop().Done()

	m.mu.Lock()
	m.ctx = nil
	m.mu.Unlock()
	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// cronLogger routes cron's logging to the fiber logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debugf("[Cron] %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Errorf("[Cron] %s: %v %v", msg, err, keysAndValues)
}
