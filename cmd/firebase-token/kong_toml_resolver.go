package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/pelletier/go-toml"
)

// tomlSections are searched for flags not found at the top level of the file.
var tomlSections = []string{"credentials", "manager", "endpoints"}

// KongTOMLResolver is the kong resolver function for toml configuration file.
// A flag named "request-timeout" is looked up as "request-timeout",
// "request.timeout" and within each of the sections, e.g. "manager.request-timeout".
func KongTOMLResolver(r io.Reader) (kong.Resolver, error) {
	config, err := toml.LoadReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file: %w", err)
	}

	var f kong.ResolverFunc = func(context *kong.Context, parent *kong.Path, flag *kong.Flag) (interface{}, error) {
		name := flag.Name
		candidates := []string{name, strings.ReplaceAll(name, "-", ".")}
		for _, section := range tomlSections {
			candidates = append(candidates, section+"."+name)
		}

		for _, key := range candidates {
			if value := config.Get(key); value != nil {
				if _, isTree := value.(*toml.Tree); isTree {
					continue
				}
				return value, nil
			}
		}
		return nil, nil
	}

	return f, nil
}
