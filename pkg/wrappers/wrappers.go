// Package wrappers turns CI inputs (Dockerfiles, Terraform plans, Helm charts)
// into artifacts for the analysis service, shelling out to the native tools
// where a rendered form is needed.
package wrappers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/user/scanrelay/pkg/analysis"
)

// Collector produces one artifact
type Collector interface {
	Name() string
	Kind() string
	Collect(ctx context.Context) (analysis.Artifact, error)
}

// Runner executes a tool and returns its stdout
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ErrToolMissing means the required binary is not on PATH
var ErrToolMissing = errors.New("tool not installed")

// ExecRunner runs the binary from PATH
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, fmt.Errorf("'%s' binary not found: %w", name, ErrToolMissing)
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s failed: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Input is one configured CI input
type Input struct {
	Kind    string   `yaml:"kind" json:"kind" validate:"required,oneof=dockerfile terraform helm"`
	Path    string   `yaml:"path" json:"path" validate:"required"`
	Release string   `yaml:"release,omitempty" json:"release,omitempty"`
	Values  []string `yaml:"values,omitempty" json:"values,omitempty"`
}

// FromInput picks the collector for an input kind
func FromInput(in Input, run Runner) (Collector, error) {
	if run == nil {
		run = ExecRunner
	}
	switch in.Kind {
	case KindDockerfile:
		return &Dockerfile{Path: in.Path}, nil
	case KindTerraform:
		return &TerraformPlan{Path: in.Path, Run: run}, nil
	case KindHelm:
		return &HelmChart{Chart: in.Path, Release: in.Release, Values: in.Values, Run: run}, nil
	default:
		return nil, fmt.Errorf("unknown input kind %q", in.Kind)
	}
}

// CollectAll runs every collector in order and stops at the first failure
func CollectAll(ctx context.Context, collectors []Collector) ([]analysis.Artifact, error) {
	artifacts := make([]analysis.Artifact, 0, len(collectors))
	for _, c := range collectors {
		a, err := c.Collect(ctx)
		if err != nil {
			return nil, fmt.Errorf("collect %s %s: %w", c.Kind(), c.Name(), err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

func artifact(name, kind string, content []byte) analysis.Artifact {
	sum := sha256.Sum256(content)
	return analysis.Artifact{
		Name:    name,
		Kind:    kind,
		Digest:  "sha256:" + hex.EncodeToString(sum[:]),
		Content: content,
	}
}
