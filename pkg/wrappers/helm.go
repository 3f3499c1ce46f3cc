package wrappers

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/user/scanrelay/pkg/analysis"
)

const KindHelm = "helm"

// HelmChart renders a chart with `helm template` and sends the manifests
type HelmChart struct {
	Chart   string
	Release string
	Values  []string
	Run     Runner
}

func (h *HelmChart) Name() string { return h.release() }

func (h *HelmChart) Kind() string { return KindHelm }

func (h *HelmChart) release() string {
	if h.Release != "" {
		return h.Release
	}
	return filepath.Base(filepath.Clean(h.Chart))
}

func (h *HelmChart) Collect(ctx context.Context) (analysis.Artifact, error) {
	args := []string{"template", h.release(), h.Chart}
	for _, v := range h.Values {
		args = append(args, "-f", v)
	}
	run := h.Run
	if run == nil {
		run = ExecRunner
	}
	out, err := run(ctx, "helm", args...)
	if err != nil {
		return analysis.Artifact{}, err
	}
	if len(out) == 0 {
		return analysis.Artifact{}, fmt.Errorf("helm template rendered nothing for %s", h.Chart)
	}
	return artifact(h.Chart, KindHelm, out), nil
}
