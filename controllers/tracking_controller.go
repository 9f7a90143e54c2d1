package controller

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"sequencer/models"
	"sequencer/utils"
)

// ActivityRecorder correlates engagement events to sent messages and stores them
type ActivityRecorder interface {
	SentMessageByTrackingID(ctx context.Context, trackingID string) (*models.SentMessage, error)
	SentMessageByMessageID(ctx context.Context, messageIDs []string) (*models.SentMessage, error)
	RecordActivity(ctx context.Context, a *models.LeadActivity) error
}

// 1x1 transparent GIF
var pixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00,
	0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

var webhookEvents = map[string]string{
	"open":        models.ActivityOpened,
	"click":       models.ActivityClicked,
	"reply":       models.ActivityReplied,
	"bounce":      models.ActivityBounced,
	"unsubscribe": models.ActivityUnsubscribed,
}

type TrackingController struct {
	Activity ActivityRecorder
	Tracker  *utils.Tracker
	Now      func() time.Time
}

func NewTrackingController(activity ActivityRecorder, tracker *utils.Tracker) *TrackingController {
	return &TrackingController{
		Activity: activity,
		Tracker:  tracker,
		Now:      time.Now,
	}
}

type WebhookEvent struct {
	EventType string `json:"event_type" validate:"required,oneof=open click reply bounce unsubscribe"`
	MessageID string `json:"message_id" validate:"required"`
	Timestamp int64  `json:"timestamp"`
}

// TrackOpen serves the tracking pixel. The pixel is returned even when the token is bad.
func (tc *TrackingController) TrackOpen(c *fiber.Ctx) error {
	trackingID, token := c.Params("tid"), c.Params("token")
	if tc.Tracker.Valid(trackingID, token) {
		tc.record(c.UserContext(), trackingID, models.ActivityOpened, "")
	}

	c.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate")
	c.Set(fiber.HeaderContentType, "image/gif")
	return c.Send(pixel)
}

// TrackClick records the click and redirects to the original link
func (tc *TrackingController) TrackClick(c *fiber.Ctx) error {
	trackingID, token := c.Params("tid"), c.Params("token")
	target := c.Query("url")

	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid redirect URL", nil)
	}
	if !tc.Tracker.Valid(trackingID, token) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Unknown tracking link", nil)
	}

	tc.record(c.UserContext(), trackingID, models.ActivityClicked, target)
	return c.Redirect(target, fiber.StatusFound)
}

// HandleWebhook accepts engagement events from a delivery provider
func (tc *TrackingController) HandleWebhook(c *fiber.Ctx) error {
	var input WebhookEvent
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	bare := strings.Trim(input.MessageID, "<>")
	sent, err := tc.Activity.SentMessageByMessageID(c.UserContext(), []string{"<" + bare + ">", bare})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to look up message", err)
	}
	if sent == nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Message not found", nil)
	}

	at := tc.Now()
	if input.Timestamp > 0 {
		at = time.Unix(input.Timestamp, 0)
	}
	activity := &models.LeadActivity{
		LeadID:       sent.LeadID,
		SenderID:     utils.Pointer(sent.SenderID),
		ActivityType: webhookEvents[input.EventType],
		ActivityAt:   at,
		Details:      input.MessageID,
	}
	if err := tc.Activity.RecordActivity(c.UserContext(), activity); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to record activity", err)
	}
	return c.JSON(fiber.Map{"message": "Event recorded"})
}

func (tc *TrackingController) record(ctx context.Context, trackingID, kind, details string) {
	sent, err := tc.Activity.SentMessageByTrackingID(ctx, trackingID)
	if err != nil {
		utils.LogError("tracking_lookup_failed", err, map[string]interface{}{"tracking_id": trackingID})
		return
	}
	if sent == nil {
		return
	}

	err = tc.Activity.RecordActivity(ctx, &models.LeadActivity{
		LeadID:       sent.LeadID,
		SenderID:     utils.Pointer(sent.SenderID),
		ActivityType: kind,
		ActivityAt:   tc.Now(),
		Details:      details,
	})
	if err != nil {
		utils.LogError("tracking_record_failed", err, map[string]interface{}{
			"tracking_id": trackingID,
			"activity":    kind,
		})
	}
}
