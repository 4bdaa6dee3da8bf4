package definition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warriorguo/dagflow/runtime"
	"github.com/warriorguo/dagflow/types"
)

const screening = `
node "load" {
  command = "./load.sh"
  meta = {
    owner = "research"
  }
  output "rows" {
    type = number
  }
  output "source" {}
}

node "filter" {
  input "rows" {
    type = number
  }
  input "limit" {
    type     = number
    optional = true
  }
  output "picked" {
    type = any
  }
}

node "report" {
  command = "./report.sh"
  input "picked" {}
}

node "notify" {
  command = "./notify.sh"
}

connect {
  from = "load.rows"
  to   = "filter.rows"
}

connect {
  from = "filter.picked"
  to   = "report.picked"
}

edge {
  from = "report"
  to   = "notify"
}
`

func TestParseSource(t *testing.T) {
	d, err := ParseSource([]byte(screening), "screening.hcl")
	require.NoError(t, err)

	require.Len(t, d.Nodes, 4)
	names := make([]string, 0, len(d.Nodes))
	for _, n := range d.Nodes {
		names = append(names, n.Name)
	}
	assert.Equal(t, []string{"load", "filter", "report", "notify"}, names)

	load := d.Nodes[0]
	assert.Equal(t, "./load.sh", load.Meta[MetaCommand])
	assert.Equal(t, "research", load.Meta["owner"])
	assert.Equal(t, types.Port{Type: "number"}, load.Outputs["rows"])
	assert.Equal(t, types.Port{}, load.Outputs["source"])
	assert.Empty(t, load.Inputs)

	filter := d.Nodes[1]
	assert.Equal(t, types.Port{Type: "number"}, filter.Inputs["rows"])
	assert.Equal(t, types.Port{Type: "number", Optional: true}, filter.Inputs["limit"])
	assert.Equal(t, types.Port{}, filter.Outputs["picked"])
	_, hasCommand := filter.Meta[MetaCommand]
	assert.False(t, hasCommand)

	assert.Equal(t, []Connection{
		{From: "load", Output: "rows", To: "filter", Input: "rows"},
		{From: "filter", Output: "picked", To: "report", Input: "picked"},
	}, d.Connections)
	assert.Equal(t, []Edge{{From: "report", To: "notify"}}, d.Edges)
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "screening.hcl")
	require.NoError(t, os.WriteFile(path, []byte(screening), 0o644))

	d, err := Parse(path)
	require.NoError(t, err)
	assert.Len(t, d.Nodes, 4)

	_, err = Parse(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.Error(t, err)
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name   string
		src    string
		expect string
		kind   error
	}{
		{
			name:   "syntax",
			src:    `node "a" {`,
			expect: "failed to parse",
		},
		{
			name:   "unknown attribute",
			src:    `node "a" { image = "x" }`,
			expect: "failed to decode",
		},
		{
			name: "duplicate node",
			src: `
node "a" {}
node "a" {}
`,
			expect: "already exists",
			kind:   errors.AlreadyExists,
		},
		{
			name: "duplicate input",
			src: `
node "a" {
  input "x" {}
  input "x" {}
}
`,
			expect: "Duplicate input",
		},
		{
			name: "optional output",
			src: `
node "a" {
  output "x" {
    optional = true
  }
}
`,
			expect: "Optional output",
		},
		{
			name: "unknown type",
			src: `
node "a" {
  input "x" {
    type = list
  }
}
`,
			expect: "Unsupported type",
		},
		{
			name: "quoted type",
			src: `
node "a" {
  input "x" {
    type = "string"
  }
}
`,
			expect: "Invalid type specification",
		},
		{
			name: "bad reference",
			src: `
node "a" {}
connect {
  from = "a"
  to   = "a.x"
}
`,
			expect: "not valid",
			kind:   errors.NotValid,
		},
		{
			name: "unknown connect node",
			src: `
node "a" {
  output "x" {}
}
connect {
  from = "a.x"
  to   = "b.y"
}
`,
			expect: "not found",
			kind:   errors.NotFound,
		},
		{
			name: "unknown edge node",
			src: `
node "a" {}
edge {
  from = "a"
  to   = "b"
}
`,
			expect: "not found",
			kind:   errors.NotFound,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseSource([]byte(c.src), c.name+".hcl")
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.expect)
			if c.kind != nil {
				assert.True(t, errors.Is(err, c.kind))
			}
		})
	}
}

func TestApply(t *testing.T) {
	d, err := ParseSource([]byte(screening), "screening.hcl")
	require.NoError(t, err)

	w := runtime.NewWorkflow("screening", types.NewEngineOptions())
	ids, err := d.Apply(w)
	require.NoError(t, err)
	require.Len(t, ids, 4)

	order, err := w.Plan(types.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []types.NodeID{ids["load"], ids["filter"], ids["report"], ids["notify"]}, order)

	satisfied, err := w.SatisfiedInputs(ids["filter"])
	require.NoError(t, err)
	assert.Equal(t, []string{"rows"}, satisfied)

	_, exists := w.EdgeBetween(ids["report"], ids["notify"])
	assert.True(t, exists)
	info, _ := w.Node(ids["load"])
	assert.Equal(t, "./load.sh", info.Meta[MetaCommand])
}

func TestApplyStopsAtRejectedMutation(t *testing.T) {
	src := `
node "a" {
  input "in" {}
  output "out" {}
}
node "b" {
  input "in" {}
  output "out" {}
}
connect {
  from = "a.out"
  to   = "b.in"
}
connect {
  from = "b.out"
  to   = "a.in"
}
`
	d, err := ParseSource([]byte(src), "cycle.hcl")
	require.NoError(t, err)

	w := runtime.NewWorkflow("cycle", types.NewEngineOptions())
	ids, err := d.Apply(w)
	assert.True(t, errors.Is(err, types.ErrCycleRejected))
	assert.Len(t, ids, 2)
	assert.Len(t, w.Connectors(), 1)
}
