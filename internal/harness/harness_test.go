package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ExampleScenarios(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		name := strings.TrimSuffix(filepath.Base(file), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(file)
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			for _, failure := range result.Errors {
				t.Error(failure.Error())
			}
			assert.True(t, result.Pass)
		})
	}
}

func mustParse(t *testing.T, src string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(src))
	require.NoError(t, err)
	return s
}

const accountMapping = `
mappings: |
  mapping: account: {
    local_entity_type:  "node"
    local_bundle:       "organization"
    remote_object_type: "Account"
    triggers: ["local_create", "local_update", "local_delete", "remote_create", "remote_update", "remote_delete"]
    async: true
    fields: [{local: "title", remote: "Name"}, {local: "address.city", remote: "BillingCity"}]
  }
remote:
  schemas:
    - name: Account
      fields:
        - {name: Id, type: id}
        - {name: Name, type: string, createable: true, updateable: true}
        - {name: BillingCity, type: string, createable: true, updateable: true}
        - {name: LastModifiedDate, type: datetime}
`

func TestRun_SeededEntityIsNotQueued(t *testing.T) {
	s := mustParse(t, `
name: seeded
description: "Seeding does not notify the push observer"
`+accountMapping+`
local:
  entities:
    - ref: acme
      type: node
      bundle: organization
      fields: {title: Acme}
steps:
  - action: push
assertions:
  - type: queue_count
    count: 0
  - type: remote_calls
    count: 0
  - type: entity_field
    entity: acme
    field: title
    value: Acme
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "%v", result.Errors)
	assert.Empty(t, result.Trace)
}

func TestRun_EnqueueSeededEntity(t *testing.T) {
	s := mustParse(t, `
name: enqueue
description: "Explicit enqueue pushes a seeded entity with nested fields"
`+accountMapping+`
local:
  entities:
    - ref: acme
      type: node
      bundle: organization
      fields:
        title: Acme
        address: {city: Lyon}
steps:
  - action: enqueue
    mapping: account
    entity: acme
    op: update
  - action: push
assertions:
  - type: remote_calls
    op: create
    object: Account
    fields: {Name: Acme, BillingCity: Lyon}
    count: 1
  - type: mapped_object
    mapping: account
    entity: acme
    expect:
      entity_id: "@acme"
      force_pull: false
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "%v", result.Errors)
	require.Len(t, result.Trace, 1)
	assert.Equal(t, 2, result.Trace[0].Step)
	assert.Equal(t, "push", result.Trace[0].Action)
	assert.Equal(t, "create", result.Trace[0].Op)
}

func TestRun_RemoteDeleteRemovesEntity(t *testing.T) {
	s := mustParse(t, `
name: remote_delete
description: "A record deleted in the CRM deletes the pulled entity"
start: 2024-03-01T12:00:00Z
`+accountMapping+`
  records:
    - ref: globex
      object: Account
      fields: {Name: Globex}
steps:
  - action: pull
  - action: advance
    duration: 1m
  - action: remote_delete
    record: globex
  - action: advance
    duration: 1m
  - action: pull
assertions:
  - type: mapped_object
    mapping: account
    record: globex
    exists: false
  - type: queue_count
    count: 0
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "%v", result.Errors)
	assert.Empty(t, result.Trace)
}

func TestRun_RemoteUpdateCreatesRecord(t *testing.T) {
	s := mustParse(t, `
name: remote_create
description: "A record created in the CRM after start is pulled"
start: 2024-03-01T12:00:00Z
`+accountMapping+`
steps:
  - action: advance
    duration: 1m
  - action: remote_update
    record: initech
    object: Account
    fields: {Name: Initech, BillingCity: Austin}
  - action: pull
assertions:
  - type: entity_field
    mapping: account
    record: initech
    field: address.city
    value: Austin
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "%v", result.Errors)
}

func TestRun_StepErrorsAbort(t *testing.T) {
	s := mustParse(t, `
name: broken
description: "Deleting an unknown entity fails the run"
`+accountMapping+`
steps:
  - action: delete
    entity: ghost
assertions:
  - type: queue_count
    count: 0
`)
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1 (delete)")
	assert.Contains(t, err.Error(), `unknown entity "ghost"`)
}

func TestRun_InvalidMappings(t *testing.T) {
	s := mustParse(t, minimalScenario)
	s.Mappings = "mapping: account: {"
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile mappings")
}

func TestRun_SettingsOverrideDefaults(t *testing.T) {
	settings := engineSettings(&Settings{PushLimit: 5, PullMaxQueueSize: 2})
	assert.Equal(t, 5, settings.PushLimit)
	assert.Equal(t, 2, settings.PullMaxQueueSize)
	assert.Equal(t, engineSettings(nil).PullLimit, settings.PullLimit)
}
