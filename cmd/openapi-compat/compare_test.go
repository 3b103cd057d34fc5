package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const baseYAML = `
paths:
  /chats/{id}/messages:
    parameters:
    - in: path
      name: id
      required: true
    get:
      parameters:
      - in: path
        name: id
        required: true
      - in: query
        name: cursor
      responses:
        '200':
          description: OK
        '404':
          description: Not Found
    post:
      responses:
        '201':
          description: Created
  /users/online:
    get:
      responses:
        '200':
          description: OK
`

func mustParse(t *testing.T, raw string) parsedSpec {
	t.Helper()
	spec, err := parseSpec([]byte(raw))
	require.NoError(t, err)
	return spec
}

func TestParseSpec(t *testing.T) {
	spec := mustParse(t, baseYAML)

	require.Contains(t, spec.Paths, "/chats/{id}/messages")
	get := spec.Paths["/chats/{id}/messages"]["get"]
	assert.Contains(t, get.Responses, "404")
	assert.Equal(t, map[paramKey]bool{"path:id": true, "query:cursor": false}, get.Params)
	assert.Len(t, spec.Paths["/chats/{id}/messages"], 2, "path-level parameters are not an operation")

	_, err := parseSpec([]byte("info: {}\n"))
	assert.Error(t, err)
}

func TestCompare(t *testing.T) {
	base := mustParse(t, baseYAML)

	tests := []struct {
		name     string
		revision string
		want     []string
	}{
		{
			name:     "identical",
			revision: baseYAML,
		},
		{
			name: "additions are compatible",
			revision: baseYAML + `
  /chats:
    get:
      parameters:
      - in: query
        name: q
        required: true
      responses:
        '200':
          description: OK
`,
		},
		{
			name: "removals and new requirements",
			revision: `
paths:
  /chats/{id}/messages:
    get:
      parameters:
      - in: path
        name: id
        required: true
      - in: query
        name: cursor
        required: true
      - in: query
        name: limit
        required: true
      responses:
        '200':
          description: OK
`,
			want: []string{
				"new required parameter: GET /chats/{id}/messages query:limit",
				"parameter became required: GET /chats/{id}/messages query:cursor",
				"removed operation: POST /chats/{id}/messages",
				"removed path: /users/online",
				"removed response code: GET /chats/{id}/messages -> 404",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := compare(base, mustParse(t, tt.revision))
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGeneratedDocsAreSelfCompatible(t *testing.T) {
	spec, err := loadSpec("../../docs/swagger.yaml")
	require.NoError(t, err)

	for _, path := range []string{"/chats", "/chats/{id}/messages", "/chats/{id}/read", "/ws-ticket"} {
		assert.Contains(t, spec.Paths, path)
	}
	assert.Empty(t, compare(spec, spec))
}
