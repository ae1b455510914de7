// Package harness runs sync scenarios end to end.
//
// A scenario is a YAML file describing mappings, the initial state of the
// CRM and of the local entity store, a sequence of steps and assertions on
// the outcome. The harness wires a complete engine around an in-memory
// CRM, an in-memory entity store and a fake clock, so scenarios run
// offline and deterministically.
//
// # Scenario Format
//
//	name: push_create
//	description: "A new organization is created in the CRM"
//	mappings: |
//	  mapping: account: {
//	    local_entity_type:  "node"
//	    local_bundle:       "organization"
//	    remote_object_type: "Account"
//	    triggers: ["local_create", "local_update"]
//	    async: true
//	    fields: [{local: "title", remote: "Name"}]
//	  }
//	remote:
//	  schemas:
//	    - name: Account
//	      fields:
//	        - {name: Id, type: id}
//	        - {name: Name, type: string, createable: true, updateable: true}
//	steps:
//	  - action: touch
//	    entity: acme
//	    type: node
//	    bundle: organization
//	    fields: {title: Acme}
//	  - action: push
//	assertions:
//	  - type: remote_calls
//	    op: create
//	    object: Account
//	    count: 1
//
// Refs name seeded and created entities and records. Assertions and later
// steps use them in place of generated ids.
//
// # Traces
//
// Every remote write (create, update, upsert, delete) is recorded in the
// result trace together with the step that caused it. RunWithGolden
// compares the canonical JSON of the trace with a golden file.
package harness
