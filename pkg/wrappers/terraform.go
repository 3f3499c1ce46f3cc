package wrappers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/user/scanrelay/pkg/analysis"
)

const KindTerraform = "terraform"

// TerraformPlan sends a plan in its JSON form. Binary plans are converted
// with `terraform show -json`.
type TerraformPlan struct {
	Path string
	Run  Runner
}

func (t *TerraformPlan) Name() string { return filepath.Base(t.Path) }

func (t *TerraformPlan) Kind() string { return KindTerraform }

func (t *TerraformPlan) Collect(ctx context.Context) (analysis.Artifact, error) {
	data, err := os.ReadFile(t.Path)
	if err != nil {
		return analysis.Artifact{}, fmt.Errorf("read plan: %w", err)
	}
	if !isJSON(data) {
		run := t.Run
		if run == nil {
			run = ExecRunner
		}
		data, err = run(ctx, "terraform", "show", "-json", t.Path)
		if err != nil {
			return analysis.Artifact{}, err
		}
		if !isJSON(data) {
			return analysis.Artifact{}, fmt.Errorf("terraform show returned no json for %s", t.Path)
		}
	}
	return artifact(t.Path, KindTerraform, data), nil
}

func isJSON(data []byte) bool {
	data = bytes.TrimSpace(data)
	return len(data) > 0 && data[0] == '{' && json.Valid(data)
}
