package project

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/leapstack-labs/leapflow/internal/export"
	"github.com/leapstack-labs/leapflow/internal/items"
	"github.com/leapstack-labs/leapflow/internal/items/connection"
	"github.com/leapstack-labs/leapflow/internal/items/exporter"
	"github.com/leapstack-labs/leapflow/internal/items/importer"
	"github.com/leapstack-labs/leapflow/internal/items/merger"
	"github.com/leapstack-labs/leapflow/internal/items/store"
	"github.com/leapstack-labs/leapflow/internal/items/transformer"
	"github.com/leapstack-labs/leapflow/pkg/core"
	"github.com/leapstack-labs/leapflow/pkg/dburl"
)

// UnknownItemTypeError is returned for items whose type no factory builds.
type UnknownItemTypeError struct {
	Name string
	Type string
}

func (e *UnknownItemTypeError) Error() string {
	return fmt.Sprintf("item %s has unknown type %q", e.Name, e.Type)
}

// Env is what built items share.
type Env struct {
	// ManagerAddr is the server manager every database is opened through.
	ManagerAddr string
	GAMSDir     string
	// Loggers returns the message sink of the named item. Nil routes messages to Slog.
	Loggers func(item string) core.Logger
	Slog    *slog.Logger
}

func (e Env) settings(p *Project, name string) items.Settings {
	s := items.Settings{Name: name, DataDir: p.ItemDataDir(name), Slog: e.Slog}
	if e.Loggers != nil {
		s.Logger = e.Loggers(name)
	}
	return s
}

type importerDict struct {
	Specification string  `mapstructure:"specification"`
	CancelOnError bool    `mapstructure:"cancel_on_error"`
	OnConflict    string  `mapstructure:"on_conflict"`
	FileSelection [][]any `mapstructure:"file_selection"`
}

type mergerDict struct {
	CancelOnError bool `mapstructure:"cancel_on_error"`
}

type exporterDict struct {
	Specification    string                   `mapstructure:"specification"`
	OutputTimeStamps bool                     `mapstructure:"output_time_stamps"`
	CancelOnError    bool                     `mapstructure:"cancel_on_error"`
	OutputChannels   []exporter.OutputChannel `mapstructure:"output_channels"`
}

type transformerDict struct {
	Specification string `mapstructure:"specification"`
}

type storeDict struct {
	URL any `mapstructure:"url"`
}

type connectionDict struct {
	References []any `mapstructure:"references"`
}

// Build creates the executable item called name.
func (p *Project) Build(name string, env Env) (core.ExecutableItem, error) {
	item, ok := p.Items[name]
	if !ok {
		return nil, fmt.Errorf("no item named %s", name)
	}
	if env.Slog == nil {
		env.Slog = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(p.ItemDataDir(name), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory of %s: %w", name, err)
	}
	s := env.settings(p, name)

	switch item.Type {
	case core.ItemTypeImporter:
		var d importerDict
		if err := decode(item.Settings, &d); err != nil {
			return nil, fmt.Errorf("invalid settings of %s: %w", name, err)
		}
		var spec *importer.Specification
		if err := p.specification(item, d.Specification, &spec, env); err != nil {
			return nil, err
		}
		return importer.New(s, importer.Config{
			Specification: spec,
			CancelOnError: d.CancelOnError,
			OnConflict:    d.OnConflict,
			FileSelection: fileSelection(d.FileSelection),
			GAMSDir:       env.GAMSDir,
		}), nil

	case core.ItemTypeMerger:
		var d mergerDict
		if err := decode(item.Settings, &d); err != nil {
			return nil, fmt.Errorf("invalid settings of %s: %w", name, err)
		}
		return merger.New(s, merger.Config{CancelOnError: d.CancelOnError}), nil

	case core.ItemTypeExporter:
		var d exporterDict
		if err := decode(item.Settings, &d); err != nil {
			return nil, fmt.Errorf("invalid settings of %s: %w", name, err)
		}
		var spec *export.Specification
		if err := p.specification(item, d.Specification, &spec, env); err != nil {
			return nil, err
		}
		return exporter.New(s, exporter.Config{
			Specification:    spec,
			Channels:         d.OutputChannels,
			OutputTimeStamps: d.OutputTimeStamps,
			CancelOnError:    d.CancelOnError,
		}), nil

	case core.ItemTypeTransformer:
		var d transformerDict
		if err := decode(item.Settings, &d); err != nil {
			return nil, fmt.Errorf("invalid settings of %s: %w", name, err)
		}
		var spec *transformer.Specification
		if err := p.specification(item, d.Specification, &spec, env); err != nil {
			return nil, err
		}
		return transformer.New(s, transformer.Config{Specification: spec}), nil

	case core.ItemTypeDataStore:
		var d storeDict
		if err := decode(item.Settings, &d); err != nil {
			return nil, fmt.Errorf("invalid settings of %s: %w", name, err)
		}
		url, err := p.storeURL(d.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid url of %s: %w", name, err)
		}
		return store.New(s, store.Config{URL: url, ManagerAddr: env.ManagerAddr}), nil

	case core.ItemTypeDataConnection:
		var d connectionDict
		if err := decode(item.Settings, &d); err != nil {
			return nil, fmt.Errorf("invalid settings of %s: %w", name, err)
		}
		refs, err := p.references(d.References)
		if err != nil {
			return nil, fmt.Errorf("invalid references of %s: %w", name, err)
		}
		return connection.New(s, connection.Config{References: refs}), nil
	}
	return nil, &UnknownItemTypeError{Name: name, Type: item.Type}
}

// specification decodes the named specification of item into out. An item without a
// specification name leaves out nil; an unknown name is reported and also leaves it nil.
func (p *Project) specification(item *Item, name string, out any, env Env) error {
	if name == "" {
		return nil
	}
	specs, err := p.Specifications()
	if err != nil {
		return err
	}
	dict, ok := specs.Lookup(item.Type, name)
	if !ok {
		env.Slog.Warn("specification not found", slog.String("item", item.Name), slog.String("specification", name))
		if env.Loggers != nil {
			env.Loggers(item.Name).MsgWarning(fmt.Sprintf("Specification %s not found.", name))
		}
		return nil
	}
	if err := decode(dict, out); err != nil {
		return fmt.Errorf("invalid specification %s: %w", name, err)
	}
	return nil
}

// fileSelection turns [[label, selected], ...] into a lookup.
func fileSelection(pairs [][]any) map[string]bool {
	if len(pairs) == 0 {
		return nil
	}
	out := make(map[string]bool, len(pairs))
	for _, pair := range pairs {
		if len(pair) != 2 {
			continue
		}
		label, ok := pair[0].(string)
		if !ok {
			continue
		}
		selected, _ := pair[1].(bool)
		out[label] = selected
	}
	return out
}

type urlDict struct {
	Dialect  string `mapstructure:"dialect"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database any    `mapstructure:"database"`
}

// storeURL accepts a URL string or a dictionary of URL parts whose database may be a path
// reference.
func (p *Project) storeURL(raw any) (string, error) {
	switch v := raw.(type) {
	case nil:
		return "", nil
	case string:
		if v == "" {
			return "", nil
		}
		if _, err := dburl.Parse(v); err != nil {
			return "", err
		}
		return v, nil
	}

	var d urlDict
	if err := decode(raw, &d); err != nil {
		return "", err
	}
	database, err := p.pathOrString(d.Database)
	if err != nil {
		return "", err
	}
	switch d.Dialect {
	case "":
		return "", fmt.Errorf("missing dialect")
	case "sqlite":
		if database == "" {
			return "", nil
		}
		return dburl.SQLite(database), nil
	case "duckdb":
		return "duckdb://" + database, nil
	}
	userinfo := d.Username
	if d.Password != "" {
		userinfo += ":" + d.Password
	}
	if userinfo != "" {
		userinfo += "@"
	}
	host := d.Host
	if d.Port != "" {
		host += ":" + d.Port
	}
	return fmt.Sprintf("%s://%s%s/%s", d.Dialect, userinfo, host, database), nil
}

func (p *Project) references(raw []any) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		path, err := p.pathOrString(r)
		if err != nil {
			return nil, err
		}
		if path != "" {
			out = append(out, path)
		}
	}
	return out, nil
}

func (p *Project) pathOrString(raw any) (string, error) {
	switch v := raw.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	}
	var ref PathRef
	if err := decode(raw, &ref); err != nil {
		return "", err
	}
	return ref.Resolve(p.Dir), nil
}
