package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventscope/eventscope/models"
)

func TestRetryDelayDoubles(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 30*time.Second, retryDelay(0))
	assert.Equal(t, time.Minute, retryDelay(1))
	assert.Equal(t, 2*time.Minute, retryDelay(2))
	assert.Equal(t, retryDelay(10), retryDelay(50), "delay is capped")
}

func TestScrapePayloadCarriesUploadedFile(t *testing.T) {
	t.Parallel()

	payload := models.ScrapePayload{
		SourceID: uuid.New(),
		RunID:    uuid.New(),
		TestMode: true,
		UploadedFile: &models.UploadedFile{
			Path:    "poster.jpg",
			Format:  "image/jpeg",
			Content: []byte{0xff, 0xd8, 0xff},
		},
	}

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	var got models.ScrapePayload
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, payload.SourceID, got.SourceID)
	require.NotNil(t, got.UploadedFile)
	assert.Equal(t, payload.UploadedFile.Content, got.UploadedFile.Content,
		"binary content survives the queue round-trip")
}
