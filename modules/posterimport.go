package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/eventscope/eventscope/models"
)

// PosterImportModule ingests the output of the external vision extractor: a
// JSON document of events pulled from an uploaded poster image. The vision
// call itself happens outside the core; this module only consumes its
// defined schema, delivered through the job's uploaded file.
type PosterImportModule struct{}

// ErrNoUpload is returned when a poster-import job arrives without a file.
var ErrNoUpload = errors.New("poster import job has no uploaded file")

// posterDocument is the extractor's output schema. A bare top-level array
// of events is accepted too.
type posterDocument struct {
	Events []models.RawEvent `json:"events"`
}

// Meta implements Module.
func (m *PosterImportModule) Meta() Metadata {
	return Metadata{
		Key:             "poster_import",
		Label:           "Poster upload import",
		Pagination:      PaginationNone,
		IntegrationTags: []string{"vision-extractor"},
		Browserless:     true,
	}
}

// Run parses the uploaded extractor document. No browser page is involved.
func (m *PosterImportModule) Run(ctx context.Context, rc *RunContext) ([]models.RawEvent, error) {
	upload := rc.JobData.UploadedFile
	if upload == nil || len(upload.Content) == 0 {
		return nil, ErrNoUpload
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var doc posterDocument
	if err := json.Unmarshal(upload.Content, &doc); err != nil {
		// Some extractor versions emit the event array directly.
		if arrErr := json.Unmarshal(upload.Content, &doc.Events); arrErr != nil {
			return nil, fmt.Errorf("parse extractor document %s: %w", upload.Path, err)
		}
	}

	for i := range doc.Events {
		if doc.Events[i].URL == "" {
			// Poster events have no canonical page; point at the source so
			// the content hash stays stable per upload channel.
			doc.Events[i].URL = rc.Source.BaseURL
		}
	}

	rc.Logger.Infof("poster import %s: %d events", upload.Path, len(doc.Events))

	return doc.Events, nil
}
