package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/speckit/internal/domain"
)

//go:embed schema.cue
var schemaSource string

// Load reads path and merges it over Default. A missing file at the default
// location yields the defaults; a missing explicit path is an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, &Error{Code: ErrCodeRead, Message: fmt.Sprintf("read %s: %v", path, err)}
	}
	return Parse(path, data)
}

// Parse validates data against the schema and decodes it over Default.
// All schema and reference problems are reported together.
func Parse(filename string, data []byte) (*Config, error) {
	if len(bytes.TrimSpace(data)) > 0 {
		if err := validateSchema(filename, data); err != nil {
			return nil, err
		}
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &Error{Code: ErrCodeParse, Message: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateSchema(filename string, data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return &Error{Code: ErrCodeParse, Message: err.Error()}
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return &Error{Code: ErrCodeParse, Message: err.Error()}
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return schemaErrors(err)
	}
	return nil
}

// schemaErrors converts CUE errors, keeping positions in the YAML file.
func schemaErrors(err error) error {
	var errs []error
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		ce := &Error{
			Code:    ErrCodeSchema,
			Field:   strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		}
		for _, pos := range cueerrors.Positions(e) {
			if pos.Filename() != "schema.cue" {
				ce.Pos = pos
				break
			}
		}
		errs = append(errs, ce)
	}
	if len(errs) == 0 {
		return &Error{Code: ErrCodeSchema, Message: err.Error()}
	}
	return errors.Join(errs...)
}

// Validate checks references the schema cannot express: rosters name
// configured agents and stages keep pipeline order.
func (c *Config) Validate() error {
	var errs []error

	last := -1
	seen := make(map[string]bool)
	for _, name := range c.Pipeline.Stages {
		st, err := domain.ParseStage(name)
		if err != nil {
			errs = append(errs, &Error{Code: ErrCodeStages, Field: "pipeline.stages", Message: err.Error()})
			continue
		}
		if seen[string(st)] {
			errs = append(errs, &Error{Code: ErrCodeStages, Field: "pipeline.stages", Message: fmt.Sprintf("stage %s listed twice", st)})
			continue
		}
		seen[string(st)] = true
		if st.Index() < last {
			errs = append(errs, &Error{Code: ErrCodeStages, Field: "pipeline.stages", Message: fmt.Sprintf("stage %s is out of pipeline order", st)})
		}
		last = st.Index()
	}

	check := func(field string, names []string) {
		for _, n := range names {
			if _, ok := c.Agents[n]; !ok {
				errs = append(errs, &Error{Code: ErrCodeReference, Field: field, Message: fmt.Sprintf("unknown agent %q", n)})
			}
		}
	}
	for _, stage := range sortedKeys(c.Rosters) {
		check("rosters."+stage, c.Rosters[stage])
	}
	for _, gate := range sortedKeys(c.Gates) {
		check("gates."+gate, c.Gates[gate])
	}
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
