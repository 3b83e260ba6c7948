package handler

import (
	"context"

	"github.com/epubpress/courier/internal/model"
	"github.com/go-playground/validator/v10"
)

// Orchestration is the part of the orchestrator the HTTP surface drives
type Orchestration interface {
	Submit(ctx context.Context, req *model.PublishRequest) (model.PublishAccepted, error)
	State(ctx context.Context) (model.PersistedState, error)
	Settings(ctx context.Context) (model.Settings, error)
	SaveSettings(ctx context.Context, s model.Settings) error
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
