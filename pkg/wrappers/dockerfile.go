package wrappers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/user/scanrelay/pkg/analysis"
)

const KindDockerfile = "dockerfile"

// Dockerfile sends a Dockerfile as-is
type Dockerfile struct {
	Path string
}

func (d *Dockerfile) Name() string { return filepath.Base(d.Path) }

func (d *Dockerfile) Kind() string { return KindDockerfile }

func (d *Dockerfile) Collect(ctx context.Context) (analysis.Artifact, error) {
	data, err := os.ReadFile(d.Path)
	if err != nil {
		return analysis.Artifact{}, fmt.Errorf("read dockerfile: %w", err)
	}
	if len(data) == 0 {
		return analysis.Artifact{}, fmt.Errorf("dockerfile %s is empty", d.Path)
	}
	return artifact(d.Path, KindDockerfile, data), nil
}
