package controllers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PixelForge/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PixelForge/internal/pkg/recovery"
)

// QueueInspector reads work queue state.
type QueueInspector interface {
	GetQueueSize(ctx context.Context) (int64, error)
	GetJobStats(ctx context.Context) (map[jobqueue.JobStatus]int64, error)
	GetJob(ctx context.Context, jobID string) (*jobqueue.Job, error)
}

// SweepRunner runs one recovery sweep.
type SweepRunner interface {
	RunOnce(ctx context.Context) (recovery.Report, error)
}

// AdminController serves the operator endpoints behind basic auth.
type AdminController struct {
	queue   QueueInspector
	sweeper SweepRunner
}

func NewAdminController(queue QueueInspector, sweeper SweepRunner) *AdminController {
	return &AdminController{queue: queue, sweeper: sweeper}
}

// HandleQueueStats returns the pending queue length and per-status counters.
func (ac *AdminController) HandleQueueStats(c *fiber.Ctx) error {
	size, err := ac.queue.GetQueueSize(c.UserContext())
	if err != nil {
		log.Errorf("[Admin] Failed to read queue size: %v", err)
		return errorJSON(c, fiber.StatusServiceUnavailable, ErrCodeQueueFailed, "Queue unavailable")
	}
	stats, err := ac.queue.GetJobStats(c.UserContext())
	if err != nil {
		log.Errorf("[Admin] Failed to read queue stats: %v", err)
		return errorJSON(c, fiber.StatusServiceUnavailable, ErrCodeQueueFailed, "Queue unavailable")
	}
	return c.JSON(fiber.Map{"pending": size, "stats": stats})
}

func (ac *AdminController) HandleGetJob(c *fiber.Ctx) error {
	job, err := ac.queue.GetJob(c.UserContext(), c.Params("id"))
	if errors.Is(err, redis.Nil) {
		return errorJSON(c, fiber.StatusNotFound, ErrCodeNotFound, "Job not found or expired")
	}
	if err != nil {
		return errorJSON(c, fiber.StatusServiceUnavailable, ErrCodeQueueFailed, "Queue unavailable")
	}
	return c.JSON(job)
}

// HandleRunRecovery runs a recovery sweep now instead of waiting for the schedule.
func (ac *AdminController) HandleRunRecovery(c *fiber.Ctx) error {
	report, err := ac.sweeper.RunOnce(c.UserContext())
	if err != nil {
		log.Errorf("[Admin] Manual recovery sweep failed: %v", err)
		return errorJSON(c, fiber.StatusInternalServerError, ErrCodeInternal, "Recovery sweep failed")
	}
	return c.JSON(report)
}
