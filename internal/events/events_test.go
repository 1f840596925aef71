package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/data-retrieval/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func failedEvent(msg string) domain.RetrievalFailed {
	return domain.RetrievalFailed{
		EventBase:    domain.EventBase{ID: uuid.New(), Timestamp: time.Now().UTC()},
		TaskID:       uuid.New(),
		ErrorMessage: msg,
		Source:       "General Hospital",
	}
}

// lifecycleEvents returns the events of a task that started, stored two
// images and completed.
func lifecycleEvents(t *testing.T) []domain.Event {
	t.Helper()
	task, err := domain.NewRetrievalTask(domain.SourceMetadata{
		SourceType:      domain.SourceTypeHospital,
		SourceName:      "General Hospital",
		SourceID:        "H-1",
		Location:        "Paris",
		RetrievalMethod: domain.RetrievalMethodAPI,
	}, "B1", "hospital", 0, nil)
	require.NoError(t, err)
	require.NoError(t, task.Start())

	images := make([]*domain.ImageData, 0, 2)
	for _, name := range []string{"a.dcm", "b.dcm"} {
		img, err := domain.NewImageData(task.ID, name, task.ImagePath(name), domain.ImageMetadata{
			Format: domain.ImageFormatDICOM, Modality: "CT", Region: "CHEST", SizeBytes: 1,
		})
		require.NoError(t, err)
		require.NoError(t, task.AddImage(img))
		images = append(images, img)
	}
	require.NoError(t, task.NotifyImagesRetrieved(images))
	require.NoError(t, task.Complete(2, 0, nil))
	return task.PullEvents()
}

func TestEncodeAddsTypeDiscriminator(t *testing.T) {
	event := failedEvent("timeout")

	record, err := Encode(event)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(record, &fields))
	assert.Equal(t, "RetrievalFailed", fields["type"])
	assert.Equal(t, event.TaskID.String(), fields["task_id"])
	assert.Equal(t, "timeout", fields["error_message"])
	assert.Equal(t, "General Hospital", fields["source"])
	assert.Equal(t, event.ID.String(), fields["id"], "embedded base fields are flattened")
	assert.Contains(t, fields, "timestamp")
}

func TestRouterDestination(t *testing.T) {
	router := NewRouter("events:", map[string]string{
		"retrievalstarted":           "retrieval-started",
		"ImageReadyForAnonymization": "image-anonymization",
	})

	tests := []struct {
		event string
		want  string
	}{
		{"RetrievalStarted", "events:retrieval-started"},
		{"ImageReadyForAnonymization", "events:image-anonymization"},
		{"ImageUploadFailed", "events:retrieval-imageuploadfailed"},
		{"ImageDeletionCompleted", "events:retrieval-imagedeletioncompleted"},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			assert.Equal(t, tt.want, router.Destination(tt.event))
			assert.Equal(t, tt.want, router.Destination(tt.event), "routing is deterministic")
		})
	}
}

func TestPublisherPublishAll(t *testing.T) {
	producers := NewMemoryProducers()
	emitter := NewInMemoryEventEmitter(discard)
	var emitted []string
	emitter.RegisterHandler(EventHandlerFunc(func(_ context.Context, e domain.Event) error {
		emitted = append(emitted, e.EventName())
		return nil
	}))
	router := NewRouter("", map[string]string{"RetrievalStarted": "started"})
	publisher := NewPublisher(producers, router, emitter, discard)

	events := lifecycleEvents(t)
	require.NoError(t, publisher.PublishAll(context.Background(), events))

	assert.Equal(t, []string{"RetrievalStarted"}, producers.Types("started"))
	assert.Equal(t, []string{"ImagesRetrieved"}, producers.Types("retrieval-imagesretrieved"))
	assert.Equal(t, []string{"ImageReadyForAnonymization", "ImageReadyForAnonymization"},
		producers.Types("retrieval-imagereadyforanonymization"))
	assert.Equal(t, 5, producers.Total())
	assert.Equal(t, []string{
		"RetrievalStarted", "ImagesRetrieved", "ImageReadyForAnonymization",
		"ImageReadyForAnonymization", "RetrievalCompleted",
	}, emitted, "the emitter sees events in publication order")

	require.NoError(t, publisher.Publish(context.Background(), failedEvent("x")))
	assert.Equal(t, 1, producers.Opened("retrieval-retrievalfailed"))
	require.NoError(t, publisher.Publish(context.Background(), failedEvent("y")))
	assert.Equal(t, 1, producers.Opened("retrieval-retrievalfailed"), "producers are reused")
}

func TestPublisherStopsAtFirstFailure(t *testing.T) {
	producers := NewMemoryProducers()
	publisher := NewPublisher(producers, NewRouter("", nil), nil, discard)
	boom := errors.New("broker unavailable")
	producers.Fail("retrieval-imagereadyforanonymization", boom)

	events := lifecycleEvents(t)
	err := publisher.PublishAll(context.Background(), events)

	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, pubErr.Index)
	assert.Equal(t, "ImageReadyForAnonymization", pubErr.Event.EventName())
	assert.Contains(t, err.Error(), "ImageReadyForAnonymization")

	assert.Equal(t, 2, producers.Total(), "events before the failure were delivered")
	assert.Empty(t, producers.Records("retrieval-imagereadyforanonymization"), "the failed batch is all-or-nothing")
	assert.Empty(t, producers.Records("retrieval-retrievalcompleted"), "events after the failure are not attempted")

	producers.Fail("retrieval-imagereadyforanonymization", nil)
	require.NoError(t, publisher.PublishAll(context.Background(), events[pubErr.Index:]))
	assert.Equal(t, 5, producers.Total())
}

func TestPublisherClose(t *testing.T) {
	producers := NewMemoryProducers()
	publisher := NewPublisher(producers, NewRouter("", nil), nil, discard)

	require.NoError(t, publisher.Publish(context.Background(), failedEvent("x")))
	assert.Len(t, publisher.Destinations(), 1)

	require.NoError(t, publisher.Close())
	require.NoError(t, publisher.Close())
	assert.Equal(t, 1, producers.Closed())
	assert.ErrorIs(t, publisher.Publish(context.Background(), failedEvent("y")), ErrPublisherClosed)
}

func TestPublishEmptyListIsNoop(t *testing.T) {
	producers := NewMemoryProducers()
	publisher := NewPublisher(producers, nil, nil, discard)
	require.NoError(t, publisher.PublishAll(context.Background(), nil))
	assert.Zero(t, producers.Total())
}
