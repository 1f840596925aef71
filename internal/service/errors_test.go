package service_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/phrazzld/data-retrieval/internal/domain"
	"github.com/phrazzld/data-retrieval/internal/service"
	"github.com/phrazzld/data-retrieval/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want service.Kind
	}{
		{"task not found", fmt.Errorf("load: %w", store.ErrTaskNotFound), service.KindNotFound},
		{"image not found", store.ErrImageNotFound, service.KindNotFound},
		{"image not owned", domain.ErrImageNotOwned, service.KindNotFound},
		{"invalid state", fmt.Errorf("%w: task is COMPLETED", domain.ErrInvalidState), service.KindInvalidState},
		{"validation", domain.ErrValidation, service.KindValidation},
		{"invalid format", domain.ErrInvalidFormat, service.KindValidation},
		{"invalid entity", store.ErrInvalidEntity, service.KindValidation},
		{"publish failed", fmt.Errorf("%w: broker down", service.ErrPublishFailed), service.KindUnpublished},
		{"transaction failed", store.ErrTransactionFailed, service.KindTransient},
		{"repository not registered", fmt.Errorf("%w: %q", store.ErrRepositoryNotRegistered, "audit"), service.KindMisconfigured},
		{"unit of work reused", store.ErrUnitOfWorkState, service.KindMisconfigured},
		{"unknown", errors.New("connection reset"), service.KindTransient},
		{"compensation wraps its cause", fmt.Errorf("%w: %w", service.ErrCompensationFailed, store.ErrImageNotFound), service.KindNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, service.Classify(tc.err))
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "not_found", service.KindNotFound.String())
	assert.Equal(t, "transient", service.KindTransient.String())
	assert.Equal(t, "unpublished", service.KindUnpublished.String())
	assert.Equal(t, "misconfigured", service.KindMisconfigured.String())
}

func TestServiceError(t *testing.T) {
	cause := errors.New("database connection failed")

	t.Run("wraps infrastructure errors", func(t *testing.T) {
		err := service.NewServiceError("start_task", "failed to update task", cause)
		var svcErr *service.ServiceError
		assert.ErrorAs(t, err, &svcErr)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "retrieval service start_task failed: failed to update task: database connection failed", err.Error())
	})

	t.Run("passes business errors through", func(t *testing.T) {
		err := service.NewServiceError("start_task", "failed", store.ErrTaskNotFound)
		assert.Same(t, store.ErrTaskNotFound, err)
	})

	t.Run("wraps configuration errors", func(t *testing.T) {
		err := service.NewServiceError("get_task", "failed to load task", store.ErrRepositoryNotRegistered)
		var svcErr *service.ServiceError
		assert.ErrorAs(t, err, &svcErr)
		assert.Equal(t, service.KindMisconfigured, service.Classify(err))
	})

	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, service.NewServiceError("start_task", "failed", nil))
	})

	t.Run("without cause", func(t *testing.T) {
		err := &service.ServiceError{Operation: "create_service", Message: "sink cannot be nil"}
		assert.Equal(t, "retrieval service create_service failed: sink cannot be nil", err.Error())
	})
}
