package service_test

import (
	"testing"

	"github.com/phrazzld/data-retrieval/internal/command"
	"github.com/phrazzld/data-retrieval/internal/service"
	"github.com/stretchr/testify/assert"
)

func TestRegisterHandlersCoversEveryCommand(t *testing.T) {
	f := newFixture(t)
	reg := command.NewRegistry()
	service.RegisterHandlers(reg, f.retrieval, f.compensation)

	assert.Equal(t, []string{
		"CompleteRetrievalTask",
		"CreateRetrievalTask",
		"DeleteRetrievedImage",
		"FailRetrievalTask",
		"StartRetrievalTask",
		"StoreImage",
		"StoreImageBatch",
	}, reg.Types())
}
