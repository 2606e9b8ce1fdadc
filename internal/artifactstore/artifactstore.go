// Package artifactstore is the C2 contract for writing a stage's generated
// files somewhere durable and addressable. The only concrete implementation,
// gitstore, commits to a real git remote; Store stays an interface so
// transforms and tests never depend on git directly.
package artifactstore

import (
	"context"

	"github.com/yungbote/devpipe/internal/pipeline"
)

// Store persists files produced for a request and returns a reference a
// caller can hand back to a user or store in PipelineState.ArtifactRef.
type Store interface {
	// Write commits files (path -> contents) for requestID and returns where
	// they landed. message should be human-readable; implementations are free
	// to prepend stage/attempt bookkeeping to it.
	Write(ctx context.Context, requestID string, branch string, files map[string][]byte, message string) (pipeline.ArtifactRef, error)
}
