package flag

import (
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/alecthomas/kong"
)

// TOML loads flag values from a TOML document. Keys are flag names; a table
// named after a sub-command holds values for that command only and wins over
// top level keys. Dashes and underscores are interchangeable.
//
//	log-level = "debug"
//
//	[run]
//	port = 7000
//	mem  = "4M"
func TOML(r io.Reader) (kong.Resolver, error) {
	values := map[string]interface{}{}

	if _, err := toml.NewDecoder(r).Decode(&values); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return kong.ResolverFunc(func(_ *kong.Context, parent *kong.Path, flag *kong.Flag) (interface{}, error) {
		if parent != nil && parent.Command != nil {
			if table, ok := values[parent.Command.Name].(map[string]interface{}); ok {
				if v, ok := lookup(table, flag.Name); ok {
					return v, nil
				}
			}
		}

		if v, ok := lookup(values, flag.Name); ok {
			return v, nil
		}

		return nil, nil
	}), nil
}

func lookup(values map[string]interface{}, name string) (interface{}, bool) {
	for _, key := range []string{name, strings.ReplaceAll(name, "-", "_")} {
		v, ok := values[key]
		if !ok {
			continue
		}

		if _, table := v.(map[string]interface{}); table {
			return nil, false
		}

		return fmt.Sprint(v), true
	}

	return nil, false
}
