package service

import "github.com/phrazzld/data-retrieval/internal/command"

// RegisterHandlers binds every broker command to its service operation.
func RegisterHandlers(reg *command.Registry, retrieval *RetrievalService, compensation *CompensationService) {
	command.Register(reg, retrieval.CreateTask)
	command.Register(reg, retrieval.StartTask)
	command.Register(reg, retrieval.CompleteTask)
	command.Register(reg, retrieval.FailTask)
	command.Register(reg, retrieval.StoreImage)
	command.Register(reg, retrieval.StoreImageBatch)
	command.Register(reg, compensation.DeleteRetrievedImage)
}
