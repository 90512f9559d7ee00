package server

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spigell/career-advice/internal/advice"
	"github.com/spigell/career-advice/internal/logger"
)

type AdviceHandler struct {
	advisor Advisor
	logger  *zap.Logger
}

func NewAdviceHandler(advisor Advisor, log *zap.Logger) *AdviceHandler {
	return &AdviceHandler{advisor: advisor, logger: log}
}

// HandleAnalyze handles POST /analyze. The body is read as JSON whatever its Content-Type.
func (h *AdviceHandler) HandleAnalyze(c *fiber.Ctx) error {
	var payload any
	if err := json.Unmarshal(c.Body(), &payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "request body is not valid JSON",
			"field": "body",
		})
	}

	res, err := h.advisor.Handle(c.UserContext(), payload)
	if err != nil {
		var verr *advice.ValidationError
		if errors.As(err, &verr) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": verr.Error(),
				"field": verr.Field,
			})
		}

		var ierr *advice.InferenceError
		if errors.As(err, &ierr) {
			h.logger.Error("analyze failed",
				append(logger.RequestFields(c.GetRespHeader(fiber.HeaderXRequestID)), zap.Error(err))...)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "advice generation failed",
			})
		}

		return err
	}

	return c.JSON(res)
}
