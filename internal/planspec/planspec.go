// Package planspec reads run specifications from YAML files.
package planspec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
)

// File is the on-disk shape of a run spec
type File struct {
	Tenant         string    `yaml:"tenant"`
	Mode           string    `yaml:"mode"`
	CreditEstimate int64     `yaml:"credit_estimate"`
	Deadline       string    `yaml:"deadline"` // RFC 3339
	Timeout        string    `yaml:"timeout"`  // relative to submission, e.g. "2h"
	Payload        yaml.Node `yaml:"payload"`
	Subtasks       []Subtask `yaml:"subtasks"`
}

// Subtask is one entry of a File's plan. Index defaults to the position in
// the list; depends_on names other subtasks by key, depends_on_index by index.
type Subtask struct {
	Index          *int      `yaml:"index"`
	Key            string    `yaml:"key"`
	DependsOn      []string  `yaml:"depends_on"`
	DependsOnIndex []int     `yaml:"depends_on_index"`
	MaxAttempts    int       `yaml:"max_attempts"`
	Optional       bool      `yaml:"optional"`
	Payload        yaml.Node `yaml:"payload"`
}

// Parse decodes a YAML run spec. now anchors a relative timeout.
func Parse(data []byte, now time.Time) (domain.RunSpec, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return domain.RunSpec{}, fmt.Errorf("decoding run spec: %w", err)
	}
	return f.RunSpec(now)
}

// ParseFile reads and decodes the run spec at path
func ParseFile(path string, now time.Time) (domain.RunSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.RunSpec{}, err
	}
	spec, err := Parse(data, now)
	if err != nil {
		return domain.RunSpec{}, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// RunSpec converts f into a domain.RunSpec
func (f *File) RunSpec(now time.Time) (domain.RunSpec, error) {
	if f.Tenant == "" {
		return domain.RunSpec{}, domain.Errorf(domain.ErrValidation, domain.EntityRun, "tenant is required")
	}
	if f.Deadline != "" && f.Timeout != "" {
		return domain.RunSpec{}, domain.Errorf(domain.ErrValidation, domain.EntityRun, "deadline and timeout are exclusive")
	}

	spec := domain.RunSpec{
		TenantID:         f.Tenant,
		OrchestratorMode: f.Mode,
		CreditEstimate:   f.CreditEstimate,
	}

	switch {
	case f.Deadline != "":
		at, err := time.Parse(time.RFC3339, f.Deadline)
		if err != nil {
			return domain.RunSpec{}, domain.Errorf(domain.ErrValidation, domain.EntityRun, "invalid deadline %q", f.Deadline)
		}
		spec.DeadlineAt = &at
	case f.Timeout != "":
		d, err := time.ParseDuration(f.Timeout)
		if err != nil || d <= 0 {
			return domain.RunSpec{}, domain.Errorf(domain.ErrValidation, domain.EntityRun, "invalid timeout %q", f.Timeout)
		}
		at := now.Add(d)
		spec.DeadlineAt = &at
	}

	payload, err := encodePayload(&f.Payload)
	if err != nil {
		return domain.RunSpec{}, fmt.Errorf("run payload: %w", err)
	}
	spec.Payload = payload

	for i, s := range f.Subtasks {
		index := i
		if s.Index != nil {
			index = *s.Index
		}
		payload, err := encodePayload(&s.Payload)
		if err != nil {
			return domain.RunSpec{}, fmt.Errorf("subtask %d payload: %w", index, err)
		}
		spec.Subtasks = append(spec.Subtasks, domain.SubtaskSpec{
			Index:          index,
			IdempotencyKey: s.Key,
			DependsOn:      s.DependsOnIndex,
			DependsOnKeys:  s.DependsOn,
			MaxAttempts:    s.MaxAttempts,
			Optional:       s.Optional,
			Payload:        payload,
		})
	}
	return spec, nil
}

// encodePayload keeps a scalar payload as its raw text and encodes
// structured payloads as JSON
func encodePayload(node *yaml.Node) ([]byte, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind == yaml.ScalarNode {
		if node.Tag == "!!null" {
			return nil, nil
		}
		return []byte(node.Value), nil
	}
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
