package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DescriptorName is the file name of a data package descriptor.
const DescriptorName = "datapackage.json"

type datapackageResource struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Dialect struct {
		Delimiter string `json:"delimiter"`
		QuoteChar string `json:"quoteChar"`
	} `json:"dialect"`
	Encoding string `json:"encoding"`
}

type datapackageDescriptor struct {
	Name      string                `json:"name"`
	Resources []datapackageResource `json:"resources"`
}

// datapackageReader reads the CSV resources of a data package. Each resource is a table.
type datapackageReader struct {
	dir       string
	resources []datapackageResource
}

// Connect accepts the descriptor, the directory holding it, or any file in that directory.
func (r *datapackageReader) Connect(_ context.Context, source string) error {
	descriptor := source
	if info, err := os.Stat(source); err == nil && info.IsDir() {
		descriptor = filepath.Join(source, DescriptorName)
	} else if filepath.Base(source) != DescriptorName {
		descriptor = filepath.Join(filepath.Dir(source), DescriptorName)
	}

	content, err := os.ReadFile(descriptor) //nolint:gosec // path is a user-selected source file
	if err != nil {
		return fmt.Errorf("failed to open data package %s: %w", descriptor, err)
	}
	var desc datapackageDescriptor
	if err := json.Unmarshal(content, &desc); err != nil {
		return fmt.Errorf("failed to parse data package %s: %w", descriptor, err)
	}
	r.dir = filepath.Dir(descriptor)
	r.resources = desc.Resources
	return nil
}

func (r *datapackageReader) Tables(_ context.Context) ([]string, error) {
	names := make([]string, 0, len(r.resources))
	for _, res := range r.resources {
		names = append(names, res.tableName())
	}
	return names, nil
}

func (r *datapackageReader) Rows(_ context.Context, table string, opts TableOptions) (RowIterator, error) {
	for _, res := range r.resources {
		if res.tableName() != table {
			continue
		}
		path := res.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(r.dir, filepath.FromSlash(path))
		}
		// Data package resources always carry a header row.
		opts.HasHeader = true
		if opts.Delimiter == "" {
			opts.Delimiter = res.Dialect.Delimiter
		}
		if opts.QuoteChar == "" {
			opts.QuoteChar = res.Dialect.QuoteChar
		}
		if opts.Encoding == "" {
			opts.Encoding = res.Encoding
		}
		return openCSV(path, opts)
	}
	return nil, &UnknownTableError{Table: table}
}

func (r *datapackageReader) Disconnect() error {
	r.resources = nil
	return nil
}

func (res datapackageResource) tableName() string {
	if res.Name != "" {
		return res.Name
	}
	base := filepath.Base(res.Path)
	return base[:len(base)-len(filepath.Ext(base))]
}
