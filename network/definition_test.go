package network

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamkit/component"
	"github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/filter"
	"github.com/c360/streamkit/grouping"
)

const pipelineYAML = `
name: orders
ack_timeout: 2s
num_auditors: 2
components:
  - name: intake
    role: feeder
    type: feeder
    config:
      max_queue_size: 50
      auto_retry: true
  - name: enrich
    role: worker
    type: passthrough
    instances: 3
  - name: audit_log
    role: worker
    type: logger
    config:
      level: debug
connections:
  - source: intake
    target: enrich
    grouping:
      type: fields
      fields: [customer]
  - source: enrich
    target: audit_log
    filter:
      - field: total
        operator: gt
        value: 100
`

func TestParseYAML(t *testing.T) {
	def, err := ParseYAML([]byte(pipelineYAML))
	require.NoError(t, err)

	assert.Equal(t, "orders", def.Name)
	assert.True(t, def.AckingEnabled())
	assert.Equal(t, 2, def.NumAuditors)
	timeout, err := def.AckTimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, timeout)

	require.Len(t, def.Components, 3)
	assert.Equal(t, 1, def.Components[0].Instances, "instances default to one")
	assert.Equal(t, 3, def.Components[1].Instances)
	assert.Equal(t, 50, def.Components[0].Config["max_queue_size"])

	require.Len(t, def.Connections, 2)
	assert.Equal(t, grouping.Fields, def.Connections[0].Grouping.Type)
	assert.Equal(t, []string{"customer"}, def.Connections[0].Grouping.Fields)
	assert.Equal(t, []filter.Rule{{Field: "total", Operator: filter.OpGreater, Value: 100}}, def.Connections[1].Filter)
}

func TestParseJSON(t *testing.T) {
	def, err := ParseJSON([]byte(`{
		"name": "n1",
		"acking": false,
		"components": [
			{"name": "src", "role": "feeder", "type": "feeder"},
			{"name": "sink", "role": "worker", "type": "logger"}
		],
		"connections": [{"source": "src", "target": "sink", "grouping": {"type": "all"}}]
	}`))
	require.NoError(t, err)

	assert.False(t, def.AckingEnabled())
	assert.Equal(t, DefaultNumAuditors, def.NumAuditors)
	assert.Equal(t, DefaultAckTimeout, def.AckTimeout)
	assert.Equal(t, component.RoleWorker, def.Components[1].Role)
}

func TestParse_UnknownFieldsRejected(t *testing.T) {
	_, err := ParseJSON([]byte(`{"name": "n", "ackTimeout": "1s", "components": []}`))
	assert.Error(t, err)

	_, err = ParseYAML([]byte("name: n\nauditors: 3\ncomponents: []\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "net.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(pipelineYAML), 0o600))
	def, err := Load(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "orders", def.Name)

	jsonPath := filepath.Join(dir, "net.json")
	require.NoError(t, os.WriteFile(jsonPath,
		[]byte(`{"name":"j","components":[{"name":"a","role":"feeder","type":"feeder"}]}`), 0o600))
	def, err = Load(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "j", def.Name)

	_, err = Load(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func validDefinition() Definition {
	return Definition{
		Name: "net",
		Components: []ComponentDef{
			{Name: "src", Role: component.RoleFeeder, Type: "feeder"},
			{Name: "w", Role: component.RoleWorker, Type: "passthrough"},
		},
		Connections: []ConnectionDef{{Source: "src", Target: "w"}},
	}
}

func TestDefinition_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Definition)
	}{
		{"missing name", func(d *Definition) { d.Name = "" }},
		{"name with dot", func(d *Definition) { d.Name = "a.b" }},
		{"no components", func(d *Definition) { d.Components = nil }},
		{"bad ack timeout", func(d *Definition) { d.AckTimeout = "soon" }},
		{"negative ack timeout", func(d *Definition) { d.AckTimeout = "-1s" }},
		{"negative auditors", func(d *Definition) { d.NumAuditors = -1 }},
		{"unknown role", func(d *Definition) { d.Components[1].Role = "sink" }},
		{"missing type", func(d *Definition) { d.Components[1].Type = "" }},
		{"negative instances", func(d *Definition) { d.Components[1].Instances = -2 }},
		{"reserved name", func(d *Definition) { d.Components[1].Name = "auditor"; d.Connections = nil }},
		{"duplicate name", func(d *Definition) { d.Components[1].Name = "src"; d.Connections = nil }},
		{"dangling source", func(d *Definition) { d.Connections[0].Source = "nope" }},
		{"dangling target", func(d *Definition) { d.Connections[0].Target = "nope" }},
		{"feeder as target", func(d *Definition) {
			d.Connections = append(d.Connections, ConnectionDef{Source: "w", Target: "src"})
		}},
		{"fields grouping without fields", func(d *Definition) {
			d.Connections[0].Grouping = grouping.Config{Type: grouping.Fields}
		}},
		{"unknown filter operator", func(d *Definition) {
			d.Connections[0].Filter = []filter.Rule{{Field: "x", Operator: "like"}}
		}},
	}

	require.NoError(t, validDefinition().WithDefaults().Validate())

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition().WithDefaults()
			tt.mutate(&def)
			err := def.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), "got %v", err)
		})
	}
}

func TestDefinition_ExecutorCanBeTarget(t *testing.T) {
	def := Definition{
		Name: "rpc",
		Components: []ComponentDef{
			{Name: "exec", Role: component.RoleExecutor, Type: "executor"},
			{Name: "echo", Role: component.RoleWorker, Type: "passthrough"},
		},
		Connections: []ConnectionDef{
			{Source: "exec", Target: "echo"},
			{Source: "echo", Target: "exec"},
		},
	}
	assert.NoError(t, def.WithDefaults().Validate())
}

func TestAddress(t *testing.T) {
	assert.Equal(t, "net.w.2", Address("net", "w", 2))
}
