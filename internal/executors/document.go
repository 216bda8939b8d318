package executors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/internal/store"
	"github.com/rendis/flowrun/pkg/schema"
)

// DocumentType is the registry key of the document compilation executor.
const DocumentType = "document.compile"

const documentSettingsSchema = `{
  "type": "object",
  "properties": {
    "template": {"type": "string"},
    "name": {"type": "string"},
    "content_type": {"type": "string", "default": "text/plain"}
  },
  "required": ["template"]
}`

const documentOutputSchema = `{
  "type": "object",
  "properties": {
    "artifact_id": {"type": "string"},
    "url": {"type": "string"},
    "size": {"type": "integer"},
    "name": {"type": "string"}
  }
}`

// ArtifactStore persists compiled documents.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, a *store.Artifact) error
}

// DocumentConfig configures the document.compile executor.
type DocumentConfig struct {
	Store ArtifactStore
	// BaseURL prefixes artifact links: {BaseURL}/artifacts/{id}.
	BaseURL string
}

// DocumentCompile renders a {{ }} template against the run scope and stores
// the result as an artifact. The artifact id derives from the idempotency
// key, so a retried attempt overwrites its own artifact instead of adding one.
type DocumentCompile struct {
	cfg    DocumentConfig
	interp *expressions.Interpolator
}

func NewDocumentCompile(cfg DocumentConfig) *DocumentCompile {
	return &DocumentCompile{cfg: cfg, interp: expressions.NewInterpolator()}
}

func (d *DocumentCompile) Type() string { return DocumentType }

func (d *DocumentCompile) Schema() Schema {
	return Schema{
		Description: "Render a document template against the trigger payload and step outputs and store it as an artifact.",
		Settings:    json.RawMessage(documentSettingsSchema),
		Output:      json.RawMessage(documentOutputSchema),
	}
}

func (d *DocumentCompile) Execute(ctx context.Context, in Input) (map[string]any, error) {
	if d.cfg.Store == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "document.compile: no artifact store configured")
	}

	// The dispatcher already interpolated the template; a template that was
	// built from step outputs may still carry tokens, so render once more.
	content := stringParam(in.Settings, "template", "")
	if in.Scope != nil && expressions.HasTemplate(content) {
		content = d.interp.Interpolate(content, in.Scope)
	}

	name := stringParam(in.Settings, "name", in.NodeID)
	artifact := &store.Artifact{
		ID:          artifactID(in),
		RunID:       in.RunID,
		NodeID:      in.NodeID,
		Name:        name,
		ContentType: stringParam(in.Settings, "content_type", "text/plain"),
		Content:     []byte(content),
		CreatedAt:   time.Now().UTC(),
	}
	if err := d.cfg.Store.SaveArtifact(ctx, artifact); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "document.compile: failed to store artifact").
			WithNode(in.NodeID).WithCause(err)
	}

	return map[string]any{
		"artifact_id": artifact.ID,
		"url":         ArtifactURL(d.cfg.BaseURL, artifact.ID),
		"size":        len(artifact.Content),
		"name":        name,
	}, nil
}

// ArtifactURL is the retrievable link of a stored artifact.
func ArtifactURL(baseURL, id string) string {
	return baseURL + "/artifacts/" + id
}

func artifactID(in Input) string {
	if in.IdempotencyKey == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("flowrun:artifact:"+in.IdempotencyKey)).String()
}
