package main

import (
	"fmt"
	"sort"
	"strings"
)

// compare lists every change in revision that would break a client written
// against base. Additions are fine unless they add a required parameter.
func compare(base, revision parsedSpec) []string {
	var issues []string

	for path, baseOps := range base.Paths {
		revOps, ok := revision.Paths[path]
		if !ok {
			issues = append(issues, fmt.Sprintf("removed path: %s", path))
			continue
		}

		for method, baseOp := range baseOps {
			revOp, ok := revOps[method]
			if !ok {
				issues = append(issues, fmt.Sprintf("removed operation: %s %s", strings.ToUpper(method), path))
				continue
			}
			endpoint := strings.ToUpper(method) + " " + path

			for code := range baseOp.Responses {
				if _, ok := revOp.Responses[code]; !ok {
					issues = append(issues, fmt.Sprintf("removed response code: %s -> %s", endpoint, strings.ToUpper(code)))
				}
			}

			for param, required := range revOp.Params {
				if !required {
					continue
				}
				wasRequired, existed := baseOp.Params[param]
				switch {
				case !existed:
					issues = append(issues, fmt.Sprintf("new required parameter: %s %s", endpoint, param))
				case !wasRequired:
					issues = append(issues, fmt.Sprintf("parameter became required: %s %s", endpoint, param))
				}
			}
		}
	}

	sort.Strings(issues)
	return issues
}
