package command_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/data-retrieval/internal/command"
	"github.com/phrazzld/data-retrieval/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
		want    command.Envelope
	}{
		{
			name:    "well formed",
			payload: `{"type":"StartRetrievalTask","id":"c-1","correlation_id":"saga-9","data":{"task_id":"x"}}`,
			want: command.Envelope{
				Type:          "StartRetrievalTask",
				ID:            "c-1",
				CorrelationID: "saga-9",
				Data:          json.RawMessage(`{"task_id":"x"}`),
			},
		},
		{name: "not json", payload: `{"type":`, wantErr: true},
		{name: "missing type", payload: `{"id":"c-1","data":{}}`, wantErr: true},
		{name: "blank type", payload: `{"type":"  "}`, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env, err := command.DecodeEnvelope([]byte(tc.payload))
			if tc.wantErr {
				assert.ErrorIs(t, err, command.ErrMalformedEnvelope)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, env)
		})
	}
}

func TestNewEnvelope(t *testing.T) {
	taskID := uuid.New()
	env, err := command.NewEnvelope(command.StartRetrievalTask{TaskID: taskID}, "saga-1")
	require.NoError(t, err)

	assert.Equal(t, "StartRetrievalTask", env.Type)
	assert.Equal(t, "saga-1", env.CorrelationID)
	assert.NotEmpty(t, env.ID)
	assert.JSONEq(t, `{"task_id":"`+taskID.String()+`"}`, string(env.Data))
}

func TestValidate(t *testing.T) {
	valid := command.CreateRetrievalTask{
		SourceType:      domain.SourceTypeHospital,
		SourceName:      "General",
		SourceID:        "HOSP-1",
		Location:        "sftp://pacs",
		RetrievalMethod: domain.RetrievalMethodSFTP,
		BatchID:         "b-1",
		StoragePath:     "hospital",
	}
	assert.NoError(t, command.Validate(valid))

	missing := valid
	missing.SourceName = ""
	missing.BatchID = ""
	err := command.Validate(missing)
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "source_name is required")
	assert.Contains(t, err.Error(), "batch_id is required")

	err = command.Validate(command.CompleteRetrievalTask{TaskID: uuid.New(), SuccessfulImages: -1})
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "successful_images must be >= 0")

	err = command.Validate(command.StartRetrievalTask{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = command.Validate(command.StoreImageBatch{TaskID: uuid.New()})
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "images")

	err = command.Validate(command.StoreImageBatch{
		TaskID: uuid.New(),
		Images: []command.ImageUpload{{Filename: "a.dcm"}},
	})
	assert.ErrorIs(t, err, domain.ErrValidation, "each batch entry is validated")
}

func TestStoreImageWireShape(t *testing.T) {
	taskID := uuid.New()
	data := `{"task_id":"` + taskID.String() + `","file_content":"aGVsbG8=","filename":"a.dcm",` +
		`"format":"DICOM","modality":"CT","region":"HEAD"}`

	var cmd command.StoreImage
	require.NoError(t, json.Unmarshal([]byte(data), &cmd))
	assert.Equal(t, taskID, cmd.TaskID)
	assert.Equal(t, []byte("hello"), cmd.FileContent)
	assert.Equal(t, domain.ImageFormatDICOM, cmd.Format)
	assert.NoError(t, command.Validate(cmd))
}

func TestRegistryDispatch(t *testing.T) {
	reg := command.NewRegistry()

	var got command.StartRetrievalTask
	command.Register(reg, func(_ context.Context, cmd command.StartRetrievalTask) (string, error) {
		got = cmd
		return "ok", nil
	})
	boom := errors.New("boom")
	command.Register(reg, func(context.Context, command.FailRetrievalTask) (struct{}, error) {
		return struct{}{}, boom
	})

	assert.Equal(t, []string{"FailRetrievalTask", "StartRetrievalTask"}, reg.Types())

	taskID := uuid.New()
	env, err := command.NewEnvelope(command.StartRetrievalTask{TaskID: taskID}, "")
	require.NoError(t, err)
	require.NoError(t, reg.Dispatch(context.Background(), env))
	assert.Equal(t, taskID, got.TaskID)

	t.Run("handler error is returned", func(t *testing.T) {
		err := reg.Dispatch(context.Background(), command.Envelope{Type: "FailRetrievalTask", Data: json.RawMessage(`{}`)})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("unknown type", func(t *testing.T) {
		err := reg.Dispatch(context.Background(), command.Envelope{Type: "ArchiveTask"})
		assert.ErrorIs(t, err, command.ErrUnknownCommand)
	})

	t.Run("undecodable data is malformed", func(t *testing.T) {
		err := reg.Dispatch(context.Background(), command.Envelope{
			Type: "StartRetrievalTask",
			Data: json.RawMessage(`{"task_id":"not-a-uuid"}`),
		})
		assert.ErrorIs(t, err, command.ErrMalformedEnvelope)
	})

	t.Run("duplicate registration panics", func(t *testing.T) {
		assert.Panics(t, func() {
			command.Register(reg, func(context.Context, command.StartRetrievalTask) (string, error) { return "", nil })
		})
	})
}
