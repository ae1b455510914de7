package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/crmsync/internal/entity"
	"github.com/roach88/crmsync/internal/remote"
)

// DefaultStart is the fake clock's start time when a scenario sets none.
var DefaultStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Scenario is one sync scenario: mappings, the initial remote and local
// state, a sequence of steps and the assertions on the outcome.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario checks.
	Description string `yaml:"description"`

	// Start is the fake clock's start time.
	Start time.Time `yaml:"start,omitempty"`

	// Mappings is CUE source defining the mappings under mapping:.
	Mappings string `yaml:"mappings"`

	// Settings overrides engine tunables.
	Settings *Settings `yaml:"settings,omitempty"`

	Remote RemoteSetup `yaml:"remote"`
	Local  LocalSetup  `yaml:"local,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Settings are the engine tunables a scenario may change. Zero keeps the
// default.
type Settings struct {
	PushLimit        int `yaml:"push_limit,omitempty"`
	PushMaxFails     int `yaml:"push_max_fails,omitempty"`
	PullLimit        int `yaml:"pull_limit,omitempty"`
	PullMaxQueueSize int `yaml:"pull_max_queue_size,omitempty"`
	PullMaxFails     int `yaml:"pull_max_fails,omitempty"`
}

// RemoteSetup is the in-memory CRM before the first step.
type RemoteSetup struct {
	Schemas []remote.Schema `yaml:"schemas"`
	Records []RemoteRecord  `yaml:"records,omitempty"`
}

// RemoteRecord is a seeded remote record. Ref names it in later steps
// and assertions.
type RemoteRecord struct {
	Ref    string         `yaml:"ref"`
	Object string         `yaml:"object"`
	Fields map[string]any `yaml:"fields,omitempty"`
}

// LocalSetup is the local entity store before the first step.
type LocalSetup struct {
	// Types declares field definitions per entity type.
	Types    map[string]map[string]entity.FieldDef `yaml:"types,omitempty"`
	Entities []LocalEntity                          `yaml:"entities,omitempty"`
}

// LocalEntity is a seeded local entity. Seeding does not notify the push
// observer.
type LocalEntity struct {
	Ref    string         `yaml:"ref"`
	Type   string         `yaml:"type"`
	Bundle string         `yaml:"bundle,omitempty"`
	Fields map[string]any `yaml:"fields,omitempty"`
}

// Step actions.
const (
	StepTouch        = "touch"
	StepDelete       = "delete"
	StepEnqueue      = "enqueue"
	StepPush         = "push"
	StepPull         = "pull"
	StepRemoteUpdate = "remote_update"
	StepRemoteDelete = "remote_delete"
	StepAdvance      = "advance"
	StepFailNext     = "fail_next"
)

// Step is one action of a scenario.
//
//   - touch: save a local entity. An unknown entity ref creates one of
//     Type and Bundle.
//   - delete: delete a local entity.
//   - enqueue: queue a push job for Mapping, Entity and Op.
//   - push, pull: run one engine pass.
//   - remote_update: edit a remote record as a CRM user would. An
//     unknown record ref with Object set creates one.
//   - remote_delete: delete a remote record as a CRM user would.
//   - advance: move the clock by Duration.
//   - fail_next: make the next remote call of Op fail with Error
//     (transient, not_found or rejected).
//
// Remote records may also be addressed by Mapping and Entity, through the
// entity's mapped object.
type Step struct {
	Action   string         `yaml:"action"`
	Entity   string         `yaml:"entity,omitempty"`
	Type     string         `yaml:"type,omitempty"`
	Bundle   string         `yaml:"bundle,omitempty"`
	Record   string         `yaml:"record,omitempty"`
	Object   string         `yaml:"object,omitempty"`
	Mapping  string         `yaml:"mapping,omitempty"`
	Op       string         `yaml:"op,omitempty"`
	Fields   map[string]any `yaml:"fields,omitempty"`
	Duration string         `yaml:"duration,omitempty"`
	Error    string         `yaml:"error,omitempty"`
}

// Assertion types.
const (
	AssertRemoteCalls  = "remote_calls"
	AssertMappedObject = "mapped_object"
	AssertEntityField  = "entity_field"
	AssertQueueCount   = "queue_count"
)

// Assertion checks the outcome of a scenario.
//
//   - remote_calls: the calls matching Op, Object, Record and the Fields
//     subset. With Count, exactly that many; otherwise at least one.
//   - mapped_object: the mapped object of Mapping for Entity or Record.
//     Exists false expects none. Expect compares remote_id, entity_id,
//     last_sync_action, last_sync_status and force_pull; "@ref" values
//     resolve to the id of a ref.
//   - entity_field: Field of the local Entity, or of the entity mapped to
//     Record under Mapping, equals Value. Exists false expects no entity.
//   - queue_count: Count jobs in the Queue ("push", the default, or
//     "pull"), for one Mapping or all.
type Assertion struct {
	Type string `yaml:"type"`

	Op      string         `yaml:"op,omitempty"`
	Object  string         `yaml:"object,omitempty"`
	Record  string         `yaml:"record,omitempty"`
	Entity  string         `yaml:"entity,omitempty"`
	Mapping string         `yaml:"mapping,omitempty"`
	Fields  map[string]any `yaml:"fields,omitempty"`
	Count   *int           `yaml:"count,omitempty"`
	Exists  *bool          `yaml:"exists,omitempty"`
	Expect  map[string]any `yaml:"expect,omitempty"`
	Field   string         `yaml:"field,omitempty"`
	Value   any            `yaml:"value,omitempty"`
	Queue   string         `yaml:"queue,omitempty"`
}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Mappings == "" {
		return fmt.Errorf("mappings is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, schema := range s.Remote.Schemas {
		if schema.Name == "" {
			return fmt.Errorf("remote.schemas[%d]: name is required", i)
		}
	}
	for i, r := range s.Remote.Records {
		if r.Ref == "" || r.Object == "" {
			return fmt.Errorf("remote.records[%d]: ref and object are required", i)
		}
	}
	for i, e := range s.Local.Entities {
		if e.Ref == "" || e.Type == "" {
			return fmt.Errorf("local.entities[%d]: ref and type are required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step) error {
	switch step.Action {
	case StepTouch:
		if step.Entity == "" {
			return fmt.Errorf("steps[%d]: entity is required for touch", i)
		}
	case StepDelete:
		if step.Entity == "" {
			return fmt.Errorf("steps[%d]: entity is required for delete", i)
		}
	case StepEnqueue:
		if step.Mapping == "" || step.Entity == "" || step.Op == "" {
			return fmt.Errorf("steps[%d]: mapping, entity and op are required for enqueue", i)
		}
	case StepPush, StepPull:
	case StepRemoteUpdate, StepRemoteDelete:
		if step.Record == "" && (step.Mapping == "" || step.Entity == "") {
			return fmt.Errorf("steps[%d]: record, or mapping and entity, are required for %s", i, step.Action)
		}
	case StepAdvance:
		if _, err := time.ParseDuration(step.Duration); err != nil {
			return fmt.Errorf("steps[%d]: invalid duration %q: %w", i, step.Duration, err)
		}
	case StepFailNext:
		if step.Op == "" {
			return fmt.Errorf("steps[%d]: op is required for fail_next", i)
		}
	case "":
		return fmt.Errorf("steps[%d]: action is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", i, step.Action)
	}
	return nil
}

func validateAssertion(i int, a Assertion) error {
	switch a.Type {
	case AssertRemoteCalls:
		if a.Count != nil && *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for remote_calls", i)
		}
	case AssertMappedObject:
		if a.Mapping == "" || (a.Entity == "" && a.Record == "") {
			return fmt.Errorf("assertions[%d]: mapping and entity or record are required for mapped_object", i)
		}
	case AssertEntityField:
		if a.Entity == "" && (a.Mapping == "" || a.Record == "") {
			return fmt.Errorf("assertions[%d]: entity, or mapping and record, are required for entity_field", i)
		}
		if a.Field == "" && (a.Exists == nil || *a.Exists) {
			return fmt.Errorf("assertions[%d]: field is required for entity_field", i)
		}
	case AssertQueueCount:
		if a.Count == nil {
			return fmt.Errorf("assertions[%d]: count is required for queue_count", i)
		}
		if a.Queue != "" && a.Queue != "push" && a.Queue != "pull" {
			return fmt.Errorf("assertions[%d]: unknown queue %q", i, a.Queue)
		}
		if a.Queue == "pull" && a.Mapping != "" {
			return fmt.Errorf("assertions[%d]: the pull queue is counted as a whole, drop mapping", i)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", i)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	return nil
}
