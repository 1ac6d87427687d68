package config

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"rampdeploy/internal/deploy"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	desiredSchemaOnce sync.Once
	desiredSchema     *gojsonschema.Schema
	desiredSchemaErr  error
)

func loadDesiredSchema() (*gojsonschema.Schema, error) {
	desiredSchemaOnce.Do(func() {
		data, err := schemaFS.ReadFile("schemas/desired.schema.json")
		if err != nil {
			desiredSchemaErr = err
			return
		}
		desiredSchema, desiredSchemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	})
	return desiredSchema, desiredSchemaErr
}

// LoadDesired reads a desired-state document. Files ending in .json are
// parsed as JSON, everything else as YAML.
func LoadDesired(path string) (deploy.DesiredConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return deploy.DesiredConfig{}, err
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	return ParseDesired(data, format)
}

// ParseDesired checks data against the desired-state schema and returns it
// with defaults applied. Schema failures are reported as a
// *deploy.ValidationError; semantic checks are left to DesiredConfig.Validate.
func ParseDesired(data []byte, format string) (deploy.DesiredConfig, error) {
	var doc any
	switch format {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return deploy.DesiredConfig{}, fmt.Errorf("parse desired json: %w", err)
		}
	case "yaml", "yml", "":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return deploy.DesiredConfig{}, fmt.Errorf("parse desired yaml: %w", err)
		}
	default:
		return deploy.DesiredConfig{}, fmt.Errorf("unsupported desired format %q", format)
	}
	if doc == nil {
		return deploy.DesiredConfig{}, &deploy.ValidationError{Problems: []string{"desired document is empty"}}
	}
	schema, err := loadDesiredSchema()
	if err != nil {
		return deploy.DesiredConfig{}, fmt.Errorf("load desired schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return deploy.DesiredConfig{}, fmt.Errorf("validate desired: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return deploy.DesiredConfig{}, &deploy.ValidationError{Problems: problems}
	}
	// Round-trip through JSON so YAML and JSON share the struct tags.
	raw, err := json.Marshal(doc)
	if err != nil {
		return deploy.DesiredConfig{}, err
	}
	var d deploy.DesiredConfig
	if err := json.Unmarshal(raw, &d); err != nil {
		return deploy.DesiredConfig{}, fmt.Errorf("decode desired: %w", err)
	}
	return d.WithDefaults(), nil
}
