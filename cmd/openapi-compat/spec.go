package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var supportedMethods = map[string]struct{}{
	"get":     {},
	"put":     {},
	"post":    {},
	"delete":  {},
	"patch":   {},
	"head":    {},
	"options": {},
}

// paramKey identifies a parameter by location and name, e.g. "query:limit".
type paramKey string

type operation struct {
	Responses map[string]struct{}
	// Params maps each declared parameter to whether it is required.
	Params map[paramKey]bool
}

type parsedSpec struct {
	Paths map[string]map[string]operation
}

type document struct {
	Paths map[string]map[string]yaml.Node `yaml:"paths"`
}

type rawOperation struct {
	Parameters []struct {
		Name     string `yaml:"name"`
		In       string `yaml:"in"`
		Required bool   `yaml:"required"`
	} `yaml:"parameters"`
	Responses map[string]yaml.Node `yaml:"responses"`
}

func loadSpec(path string) (parsedSpec, error) {
	// #nosec G304: path comes from CLI flags in a dev tool
	raw, err := os.ReadFile(path)
	if err != nil {
		return parsedSpec{}, err
	}
	return parseSpec(raw)
}

func parseSpec(raw []byte) (parsedSpec, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return parsedSpec{}, err
	}
	if doc.Paths == nil {
		return parsedSpec{}, errors.New("missing top-level paths field")
	}

	spec := parsedSpec{Paths: make(map[string]map[string]operation, len(doc.Paths))}
	for path, item := range doc.Paths {
		ops := make(map[string]operation)
		for method, node := range item {
			method = strings.ToLower(strings.TrimSpace(method))
			if _, ok := supportedMethods[method]; !ok {
				continue
			}

			var op rawOperation
			if err := node.Decode(&op); err != nil {
				return parsedSpec{}, fmt.Errorf("%s %s: %w", strings.ToUpper(method), path, err)
			}

			parsed := operation{
				Responses: make(map[string]struct{}, len(op.Responses)),
				Params:    make(map[paramKey]bool, len(op.Parameters)),
			}
			for code := range op.Responses {
				if code = strings.ToLower(strings.TrimSpace(code)); code != "" {
					parsed.Responses[code] = struct{}{}
				}
			}
			for _, p := range op.Parameters {
				parsed.Params[paramKey(p.In+":"+p.Name)] = p.Required
			}
			ops[method] = parsed
		}
		if len(ops) > 0 {
			spec.Paths[path] = ops
		}
	}
	return spec, nil
}
