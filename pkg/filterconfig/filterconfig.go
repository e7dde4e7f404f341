// Package filterconfig defines the filter configurations a data transformer attaches to
// database URLs, their on-disk form, and how they rewrite exported data.
package filterconfig

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"github.com/google/uuid"
	"github.com/leapstack-labs/leapflow/pkg/core"
)

// Type identifies a filter operation.
type Type string

// Filter operation types.
const (
	ClassRenamer     Type = "class_renamer"
	ParameterRenamer Type = "parameter_renamer"
	ValueTransformer Type = "value_transformer"
)

// Operation is a parameter value transformation.
type Operation string

// Value operations.
const (
	OpMultiply Operation = "multiply"
	OpNegate   Operation = "negate"
	OpInvert   Operation = "invert"
)

// configNamespace seeds the content-addressed file names of saved configs.
var configNamespace = uuid.MustParse("6f1c9a52-8f5e-4d0e-b1d9-2f7c4e3a8b10")

// Instruction is one value transformation. Class and Parameter are regular expressions
// matched against the whole name; empty matches everything.
type Instruction struct {
	Class     string    `json:"class,omitempty" mapstructure:"class"`
	Parameter string    `json:"parameter,omitempty" mapstructure:"parameter"`
	Operation Operation `json:"operation" mapstructure:"operation"`
	// RHS is the multiplier for OpMultiply.
	RHS float64 `json:"rhs,omitempty" mapstructure:"rhs"`
}

// Filter is one named operation. Exactly one of the settings fields is used, according to Type.
type Filter struct {
	Type Type `json:"type" mapstructure:"type"`
	// ClassRenames maps old class names to new ones.
	ClassRenames map[string]string `json:"class_renames,omitempty" mapstructure:"class_renames"`
	// ParameterRenames maps class name to old-to-new parameter names.
	ParameterRenames map[string]map[string]string `json:"parameter_renames,omitempty" mapstructure:"parameter_renames"`
	Instructions     []Instruction                `json:"instructions,omitempty" mapstructure:"instructions"`
}

// Config is an ordered list of filters stored in one file.
type Config struct {
	Filters []Filter `json:"filters" mapstructure:"filters"`
}

// Validate checks that every filter has a known type and well-formed settings.
func (c *Config) Validate() error {
	for i, f := range c.Filters {
		switch f.Type {
		case ClassRenamer, ParameterRenamer:
		case ValueTransformer:
			for _, in := range f.Instructions {
				if !slices.Contains([]Operation{OpMultiply, OpNegate, OpInvert}, in.Operation) {
					return fmt.Errorf("filter %d: unknown operation %q", i, in.Operation)
				}
				if _, err := compileName(in.Class); err != nil {
					return fmt.Errorf("filter %d: invalid class pattern: %w", i, err)
				}
				if _, err := compileName(in.Parameter); err != nil {
					return fmt.Errorf("filter %d: invalid parameter pattern: %w", i, err)
				}
			}
		default:
			return fmt.Errorf("filter %d: unknown filter type %q", i, f.Type)
		}
	}
	return nil
}

// Marshal returns the canonical JSON form of the config.
func (c *Config) Marshal() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// FileName returns the content-addressed file name of the config.
func FileName(content []byte) string {
	return "filter_" + uuid.NewSHA1(configNamespace, content).String() + ".json"
}

// Save writes the config into dir and returns its path. Saving the same content twice
// yields the same path and leaves the file untouched.
func Save(dir string, c *Config) (string, error) {
	content, err := c.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal filter config: %w", err)
	}
	path := filepath.Join(dir, FileName(content))
	if existing, err := os.ReadFile(path); err == nil && slices.Equal(existing, content) { //nolint:gosec // path is content addressed
		return path, nil
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create filter directory: %w", err)
	}
	if err := os.WriteFile(path, content, 0600); err != nil {
		return "", fmt.Errorf("failed to write filter config: %w", err)
	}
	return path, nil
}

// Load reads a config file.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path) //nolint:gosec // path comes from a database URL the user configured
	if err != nil {
		return nil, fmt.Errorf("failed to read filter config: %w", err)
	}
	var c Config
	if err := json.Unmarshal(content, &c); err != nil {
		return nil, fmt.Errorf("failed to parse filter config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid filter config %s: %w", path, err)
	}
	return &c, nil
}

// LoadAll reads the configs at paths in order.
func LoadAll(paths []string) ([]*Config, error) {
	out := make([]*Config, 0, len(paths))
	for _, p := range paths {
		c, err := Load(p)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Apply rewrites data through every filter of every config, in order.
func Apply(data *core.Data, configs []*Config) error {
	for _, c := range configs {
		for _, f := range c.Filters {
			var err error
			switch f.Type {
			case ClassRenamer:
				renameClasses(data, f.ClassRenames)
			case ParameterRenamer:
				renameParameters(data, f.ParameterRenames)
			case ValueTransformer:
				err = transformValues(data, f.Instructions)
			default:
				err = fmt.Errorf("unknown filter type %q", f.Type)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func renameClasses(data *core.Data, renames map[string]string) {
	rename := func(name string) string {
		if n, ok := renames[name]; ok {
			return n
		}
		return name
	}
	for i := range data.EntityClasses {
		c := &data.EntityClasses[i]
		c.Name = rename(c.Name)
		for j, d := range c.Dimensions {
			c.Dimensions[j] = rename(d)
		}
	}
	for i := range data.Entities {
		data.Entities[i].Class = rename(data.Entities[i].Class)
	}
	for i := range data.ParameterDefinitions {
		data.ParameterDefinitions[i].Class = rename(data.ParameterDefinitions[i].Class)
	}
	for i := range data.ParameterValues {
		data.ParameterValues[i].Class = rename(data.ParameterValues[i].Class)
	}
}

func renameParameters(data *core.Data, renames map[string]map[string]string) {
	rename := func(class, name string) string {
		if n, ok := renames[class][name]; ok {
			return n
		}
		return name
	}
	for i := range data.ParameterDefinitions {
		d := &data.ParameterDefinitions[i]
		d.Name = rename(d.Class, d.Name)
	}
	for i := range data.ParameterValues {
		v := &data.ParameterValues[i]
		v.Parameter = rename(v.Class, v.Parameter)
	}
}

func transformValues(data *core.Data, instructions []Instruction) error {
	for _, in := range instructions {
		classRe, err := compileName(in.Class)
		if err != nil {
			return err
		}
		paramRe, err := compileName(in.Parameter)
		if err != nil {
			return err
		}
		for i := range data.ParameterValues {
			v := &data.ParameterValues[i]
			if !classRe.MatchString(v.Class) || !paramRe.MatchString(v.Parameter) {
				continue
			}
			v.Value = transform(v.Value, in)
		}
	}
	return nil
}

func transform(value any, in Instruction) any {
	x, ok := value.(float64)
	if !ok {
		return value
	}
	switch in.Operation {
	case OpMultiply:
		return x * in.RHS
	case OpNegate:
		return -x
	case OpInvert:
		if x == 0 || math.IsNaN(x) {
			return value
		}
		return 1 / x
	}
	return value
}

func compileName(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		pattern = ".*"
	}
	return regexp.Compile("^(?:" + pattern + ")$")
}
