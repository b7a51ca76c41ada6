package aggregation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/CMSgov/dpc-app-sub000/internal/platform/db"
)

// Handler serves read-only batch status for operators.
type Handler struct {
	queue JobQueue
}

func NewHandler(queue JobQueue) *Handler {
	return &Handler{queue: queue}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/queue", h.GetQueue)
	g.GET("/batches/:id", h.GetBatch)
	g.GET("/jobs/:id/batches", h.ListJobBatches)
}

type batchView struct {
	ID             uuid.UUID    `json:"batch_id"`
	JobID          uuid.UUID    `json:"job_id"`
	Status         BatchStatus  `json:"status"`
	Priority       int          `json:"priority"`
	ResourceTypes  []string     `json:"resource_types"`
	PatientCount   int          `json:"patient_count"`
	ProcessedCount int          `json:"processed_count"`
	AggregatorID   *uuid.UUID   `json:"aggregator_id,omitempty"`
	SubmitTime     time.Time    `json:"submit_time"`
	StartTime      *time.Time   `json:"start_time,omitempty"`
	UpdateTime     *time.Time   `json:"update_time,omitempty"`
	CompleteTime   *time.Time   `json:"complete_time,omitempty"`
	Files          []OutputFile `json:"files"`
}

func newBatchView(b *Batch) batchView {
	files := b.Files
	if files == nil {
		files = []OutputFile{}
	}
	return batchView{
		ID:             b.ID,
		JobID:          b.Job.ID,
		Status:         b.Status,
		Priority:       b.Priority,
		ResourceTypes:  b.Job.ResourceTypes,
		PatientCount:   b.PatientCount(),
		ProcessedCount: b.ProcessedCount(),
		AggregatorID:   b.AggregatorID,
		SubmitTime:     b.SubmitTime,
		StartTime:      b.StartTime,
		UpdateTime:     b.UpdateTime,
		CompleteTime:   b.CompleteTime,
		Files:          files,
	}
}

func (h *Handler) GetQueue(c echo.Context) error {
	n, err := h.queue.QueueSize(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"claimable": n})
}

func (h *Handler) GetBatch(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid batch id")
	}
	b, err := h.queue.GetBatch(c.Request().Context(), id)
	if errors.Is(err, ErrBatchNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "batch not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, newBatchView(b))
}

func (h *Handler) ListJobBatches(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	batches, err := h.queue.GetJobBatches(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if len(batches) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	views := make([]batchView, len(batches))
	finished := true
	for i, b := range batches {
		views[i] = newBatchView(b)
		finished = finished && b.Status.Terminal()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"job_id":   id,
		"finished": finished,
		"batches":  views,
	})
}

// EngineCheck fails when the engine is stopped or has not polled within
// staleAfter.
func EngineCheck(e *Engine, staleAfter time.Duration) db.Check {
	return db.Check{Name: "engine", Fn: func(context.Context) error {
		if !e.IsRunning() {
			return fmt.Errorf("engine is not running")
		}
		if last := e.LastPoll(); staleAfter > 0 && time.Since(last) > staleAfter {
			return fmt.Errorf("engine last polled %s ago", time.Since(last).Round(time.Second))
		}
		return nil
	}}
}

// QueueCheck probes the job queue.
func QueueCheck(q JobQueue) db.Check {
	return db.Check{Name: "queue", Fn: q.AssertHealthy}
}

// UpstreamCheck probes the upstream server's capability statement.
func UpstreamCheck(client Client) db.Check {
	return db.Check{Name: "bfd", Fn: func(ctx context.Context) error {
		_, err := client.RequestCapabilityStatement(ctx)
		return err
	}}
}
