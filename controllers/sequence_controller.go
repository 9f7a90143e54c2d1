package controller

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"sequencer/engine"
	"sequencer/models"
	"sequencer/utils"
)

// Runner performs one scheduler pass
type Runner interface {
	RunOnce(ctx context.Context) (engine.RunSummary, error)
}

// Lifecycle starts, pauses and resumes enrollments
type Lifecycle interface {
	Enroll(ctx context.Context, sequenceID, leadID uint, now time.Time) (*models.Enrollment, error)
	PauseEnrollment(ctx context.Context, enrollmentID uint, reason string, now time.Time) error
	Resume(ctx context.Context, enrollmentID uint, now time.Time) error
}

// SequenceStore is the read and publish side the handlers need
type SequenceStore interface {
	Sequence(ctx context.Context, id uint) (*models.Sequence, error)
	SetSequenceStatus(ctx context.Context, id uint, status models.SequenceStatus) error
	Enrollment(ctx context.Context, id uint) (*models.Enrollment, error)
	Executions(ctx context.Context, enrollmentID uint) ([]models.Execution, error)
}

type SequenceController struct {
	Runner    Runner
	Lifecycle Lifecycle
	Store     SequenceStore
	Now       func() time.Time
}

func NewSequenceController(runner Runner, lifecycle Lifecycle, store SequenceStore) *SequenceController {
	return &SequenceController{
		Runner:    runner,
		Lifecycle: lifecycle,
		Store:     store,
		Now:       time.Now,
	}
}

type EnrollRequest struct {
	LeadID uint `json:"lead_id" validate:"required"`
}

type PauseRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

// RunSequences processes one batch of due executions and reports the counts
func (sc *SequenceController) RunSequences(c *fiber.Ctx) error {
	summary, err := sc.Runner.RunOnce(c.UserContext())
	if err != nil {
		utils.LogError("sequence_run_failed", err, map[string]interface{}{"trigger": "api"})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Sequence run failed", err)
	}
	return c.JSON(summary)
}

// PublishSequence validates the step graph and activates the sequence
func (sc *SequenceController) PublishSequence(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID", nil)
	}

	seq, err := sc.Store.Sequence(c.UserContext(), uint(id))
	if err != nil {
		return respondError(c, "Failed to load sequence", err)
	}
	if seq.Status == models.SequenceArchived {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Archived sequences cannot be published", nil)
	}
	if err := engine.ValidateSequence(seq.Steps); err != nil {
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Sequence is invalid", err)
	}
	if err := sc.Store.SetSequenceStatus(c.UserContext(), seq.ID, models.SequenceActive); err != nil {
		return respondError(c, "Failed to publish sequence", err)
	}

	utils.LogEvent("sequence_published", map[string]interface{}{
		"sequence_id": seq.ID,
		"steps":       len(seq.Steps),
	})
	seq.Status = models.SequenceActive
	return c.JSON(utils.SuccessResponse(seq))
}

// ArchiveSequence stops new enrollments
func (sc *SequenceController) ArchiveSequence(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID", nil)
	}
	if err := sc.Store.SetSequenceStatus(c.UserContext(), uint(id), models.SequenceArchived); err != nil {
		return respondError(c, "Failed to archive sequence", err)
	}
	return c.JSON(fiber.Map{"message": "Sequence archived successfully"})
}

// EnrollLead starts a lead on the sequence's first step
func (sc *SequenceController) EnrollLead(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID", nil)
	}

	var req EnrollRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	enrollment, err := sc.Lifecycle.Enroll(c.UserContext(), uint(id), req.LeadID, sc.Now())
	if err != nil {
		return respondError(c, "Failed to enroll lead", err)
	}

	utils.LogEvent("lead_enrolled", map[string]interface{}{
		"sequence_id":   id,
		"lead_id":       req.LeadID,
		"enrollment_id": enrollment.ID,
	})
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(enrollment))
}

// GetEnrollment returns the enrollment with its execution history
func (sc *SequenceController) GetEnrollment(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid enrollment ID", nil)
	}

	enrollment, err := sc.Store.Enrollment(c.UserContext(), uint(id))
	if err != nil {
		return respondError(c, "Failed to load enrollment", err)
	}
	executions, err := sc.Store.Executions(c.UserContext(), enrollment.ID)
	if err != nil {
		return respondError(c, "Failed to load executions", err)
	}
	enrollment.Executions = executions
	return c.JSON(utils.SuccessResponse(enrollment))
}

func (sc *SequenceController) PauseEnrollment(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid enrollment ID", nil)
	}

	var req PauseRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
		}
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	if err := sc.Lifecycle.PauseEnrollment(c.UserContext(), uint(id), req.Reason, sc.Now()); err != nil {
		return respondError(c, "Failed to pause enrollment", err)
	}
	return c.JSON(fiber.Map{"message": "Enrollment paused successfully"})
}

func (sc *SequenceController) ResumeEnrollment(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid enrollment ID", nil)
	}
	if err := sc.Lifecycle.Resume(c.UserContext(), uint(id), sc.Now()); err != nil {
		return respondError(c, "Failed to resume enrollment", err)
	}
	return c.JSON(fiber.Map{"message": "Enrollment resumed successfully"})
}

// respondError maps engine errors to HTTP statuses
func respondError(c *fiber.Ctx, message string, err error) error {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, message, err)
	case errors.Is(err, engine.ErrNotActive),
		errors.Is(err, engine.ErrAlreadyEnrolled),
		errors.Is(err, engine.ErrNotResumable):
		return utils.ErrorResponse(c, fiber.StatusConflict, message, err)
	case errors.Is(err, engine.ErrInvalidSequence),
		errors.Is(err, engine.ErrSequenceCycle),
		errors.Is(err, engine.ErrUnknownStep):
		return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, message, err)
	default:
		utils.LogError("request_failed", err, map[string]interface{}{
			"path":   c.Path(),
			"method": c.Method(),
		})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, message, err)
	}
}
