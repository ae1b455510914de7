package remote

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roach88/crmsync/internal/clock"
	"github.com/roach88/crmsync/internal/record"
	"github.com/roach88/crmsync/internal/soql"
	"github.com/roach88/crmsync/internal/syncerr"
)

// Call is one recorded write against the in-memory CRM.
type Call struct {
	Op       string         `json:"op"`
	Object   string         `json:"object"`
	ID       string         `json:"id,omitempty"`
	KeyField string         `json:"key_field,omitempty"`
	KeyValue string         `json:"key_value,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

type deletion struct {
	objectType string
	id         string
	at         time.Time
}

// MemoryClient is an in-process CRM implementing Client.
//
// It assigns well-formed 18 character ids, stamps CreatedDate and
// LastModifiedDate from its clock, records every write in a call log and
// can be told to fail the next N calls of an operation.
type MemoryClient struct {
	mu       sync.Mutex
	clock    clock.Clock
	schemas  map[string]Schema
	records  map[string]map[string]record.Record
	deleted  []deletion
	calls    []Call
	failures map[string][]error
	cursors  map[string][]record.Record
	counter  int
	cursorN  int

	// PageSize bounds query pages; 0 means 2000.
	PageSize int
}

// NewMemoryClient creates an empty in-memory CRM.
func NewMemoryClient(c clock.Clock) *MemoryClient {
	if c == nil {
		c = clock.System{}
	}
	return &MemoryClient{
		clock:    c,
		schemas:  map[string]Schema{},
		records:  map[string]map[string]record.Record{},
		failures: map[string][]error{},
		cursors:  map[string][]record.Record{},
	}
}

// Define registers the schema of an object type.
func (m *MemoryClient) Define(s Schema) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemas[s.Name] = s
}

// Seed stores a record as-is without logging a call. A missing id is
// generated.
func (m *MemoryClient) Seed(r record.Record) record.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = m.newID(r.Type)
	}
	r = record.New(r.Type, r.ID, r.Fields)
	m.bucket(r.Type)[r.ID] = r
	return r
}

// Touch overwrites fields of an existing record as a remote user would,
// bumping LastModifiedDate. It is not logged as a call.
func (m *MemoryClient) Touch(objectType, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[objectType][id]
	if !ok {
		return syncerr.NotFound("%s %s", objectType, id)
	}
	m.apply(&r, fields)
	m.bucket(objectType)[id] = r
	return nil
}

// Remove deletes a record as a remote user would, recording the deletion
// for GetDeleted. It is not logged as a call.
func (m *MemoryClient) Remove(objectType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[objectType][id]; !ok {
		return syncerr.NotFound("%s %s", objectType, id)
	}
	delete(m.records[objectType], id)
	m.deleted = append(m.deleted, deletion{objectType: objectType, id: id, at: m.clock.Now()})
	return nil
}

// FailNext makes the next call of op return err. Ops are the Client method
// names in lower case: create, update, upsert, read, read_by_external_id,
// delete, describe, query, query_more, get_deleted.
func (m *MemoryClient) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// Calls returns a copy of the write log.
func (m *MemoryClient) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// ResetCalls clears the write log.
func (m *MemoryClient) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Get returns a stored record.
func (m *MemoryClient) Get(objectType, id string) (record.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[objectType][id]
	return r, ok
}

// Count returns the number of stored records of objectType.
func (m *MemoryClient) Count(objectType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[objectType])
}

func (m *MemoryClient) Create(_ context.Context, objectType string, fields map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("create"); err != nil {
		return "", err
	}
	if err := m.checkFields(objectType, fields); err != nil {
		return "", err
	}
	id := m.newID(objectType)
	r := record.New(objectType, id, nil)
	r.Fields["CreatedDate"] = record.FormatTime(m.clock.Now())
	m.apply(&r, fields)
	m.bucket(objectType)[id] = r
	m.log(Call{Op: "create", Object: objectType, ID: id, Fields: fields})
	return id, nil
}

func (m *MemoryClient) Update(_ context.Context, objectType, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("update"); err != nil {
		return err
	}
	r, ok := m.lookup(objectType, id)
	if !ok {
		return syncerr.NotFound("%s %s", objectType, id)
	}
	if err := m.checkFields(objectType, fields); err != nil {
		return err
	}
	m.apply(&r, fields)
	m.bucket(objectType)[r.ID] = r
	m.log(Call{Op: "update", Object: objectType, ID: r.ID, Fields: fields})
	return nil
}

func (m *MemoryClient) Upsert(_ context.Context, objectType, keyField, keyValue string, fields map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("upsert"); err != nil {
		return "", err
	}
	if err := m.checkFields(objectType, fields); err != nil {
		return "", err
	}
	call := Call{Op: "upsert", Object: objectType, KeyField: keyField, KeyValue: keyValue, Fields: fields}
	if r, ok := m.findByKey(objectType, keyField, keyValue); ok {
		m.apply(&r, fields)
		m.bucket(objectType)[r.ID] = r
		call.ID = r.ID
		m.log(call)
		return "", nil
	}
	id := m.newID(objectType)
	r := record.New(objectType, id, map[string]any{keyField: keyValue})
	r.Fields["CreatedDate"] = record.FormatTime(m.clock.Now())
	m.apply(&r, fields)
	m.bucket(objectType)[id] = r
	call.ID = id
	m.log(call)
	return id, nil
}

func (m *MemoryClient) Read(_ context.Context, objectType, id string) (record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("read"); err != nil {
		return record.Record{}, err
	}
	r, ok := m.lookup(objectType, id)
	if !ok {
		return record.Record{}, syncerr.NotFound("%s %s", objectType, id)
	}
	return record.New(r.Type, r.ID, r.Fields), nil
}

func (m *MemoryClient) ReadByExternalID(_ context.Context, objectType, keyField, keyValue string) (record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("read_by_external_id"); err != nil {
		return record.Record{}, err
	}
	r, ok := m.findByKey(objectType, keyField, keyValue)
	if !ok {
		return record.Record{}, syncerr.NotFound("%s %s=%s", objectType, keyField, keyValue)
	}
	return record.New(r.Type, r.ID, r.Fields), nil
}

func (m *MemoryClient) Delete(_ context.Context, objectType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("delete"); err != nil {
		return err
	}
	r, ok := m.lookup(objectType, id)
	if !ok {
		return syncerr.NotFound("%s %s", objectType, id)
	}
	delete(m.records[objectType], r.ID)
	m.deleted = append(m.deleted, deletion{objectType: objectType, id: r.ID, at: m.clock.Now()})
	m.log(Call{Op: "delete", Object: objectType, ID: r.ID})
	return nil
}

func (m *MemoryClient) Describe(_ context.Context, objectType string) (Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("describe"); err != nil {
		return Schema{}, err
	}
	s, ok := m.schemas[objectType]
	if !ok {
		return Schema{}, syncerr.NotFound("object type %s", objectType)
	}
	return s, nil
}

func (m *MemoryClient) Query(_ context.Context, q *soql.Select) (QueryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("query"); err != nil {
		return QueryResult{}, err
	}
	if _, err := soql.Compile(q); err != nil {
		return QueryResult{}, err
	}

	matched := []record.Record{}
	for _, r := range m.records[q.From] {
		ok, err := soql.Match(q.Filter, r)
		if err != nil {
			return QueryResult{}, err
		}
		if ok {
			matched = append(matched, project(r, q.Fields))
		}
	}
	soql.Sort(matched, q.OrderBy)
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return m.page(matched, len(matched)), nil
}

func (m *MemoryClient) QueryMore(_ context.Context, nextRecordsURL string) (QueryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("query_more"); err != nil {
		return QueryResult{}, err
	}
	rest, ok := m.cursors[nextRecordsURL]
	if !ok {
		return QueryResult{}, syncerr.NotFound("query cursor %s", nextRecordsURL)
	}
	delete(m.cursors, nextRecordsURL)
	total, _ := strconv.Atoi(nextRecordsURL[strings.LastIndex(nextRecordsURL, "-")+1:])
	return m.page(rest, total), nil
}

func (m *MemoryClient) GetDeleted(_ context.Context, objectType string, since, until time.Time) (DeletedResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("get_deleted"); err != nil {
		return DeletedResult{}, err
	}
	result := DeletedResult{
		DeletedRecords:    []DeletedRecord{},
		LatestDateCovered: record.FormatTime(until),
	}
	for _, d := range m.deleted {
		if d.objectType == objectType && d.at.After(since) && !d.at.After(until) {
			result.DeletedRecords = append(result.DeletedRecords, DeletedRecord{ID: d.id, DeletedDate: record.FormatTime(d.at)})
		}
	}
	return result, nil
}

func (m *MemoryClient) page(records []record.Record, total int) QueryResult {
	size := m.PageSize
	if size <= 0 {
		size = 2000
	}
	if len(records) <= size {
		return QueryResult{TotalSize: total, Done: true, Records: records}
	}
	m.cursorN++
	next := fmt.Sprintf("memory://query/%d-%d", m.cursorN, total)
	m.cursors[next] = records[size:]
	return QueryResult{TotalSize: total, Done: false, NextRecordsURL: next, Records: records[:size]}
}

func (m *MemoryClient) fail(op string) error {
	queued := m.failures[op]
	if len(queued) == 0 {
		return nil
	}
	m.failures[op] = queued[1:]
	return queued[0]
}

func (m *MemoryClient) checkFields(objectType string, fields map[string]any) error {
	s, ok := m.schemas[objectType]
	if !ok {
		return nil
	}
	for name := range fields {
		if _, ok := s.Field(name); !ok {
			return fmt.Errorf("INVALID_FIELD: no such column '%s' on entity '%s'", name, objectType)
		}
	}
	return nil
}

func (m *MemoryClient) apply(r *record.Record, fields map[string]any) {
	for k, v := range fields {
		r.Fields[k] = v
	}
	now := record.FormatTime(m.clock.Now())
	r.Fields["LastModifiedDate"] = now
	r.Fields["SystemModstamp"] = now
}

func (m *MemoryClient) lookup(objectType, id string) (record.Record, bool) {
	if r, ok := m.records[objectType][id]; ok {
		return r, true
	}
	if normalized, err := record.NormalizeID(id); err == nil {
		r, ok := m.records[objectType][normalized]
		return r, ok
	}
	return record.Record{}, false
}

func (m *MemoryClient) findByKey(objectType, keyField, keyValue string) (record.Record, bool) {
	ids := make([]string, 0, len(m.records[objectType]))
	for id := range m.records[objectType] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		r := m.records[objectType][id]
		if r.String(keyField) == keyValue {
			return r, true
		}
	}
	return record.Record{}, false
}

func (m *MemoryClient) newID(objectType string) string {
	m.counter++
	base := fmt.Sprintf("%s%012d", keyPrefix(objectType), m.counter)
	id, _ := record.NormalizeID(base)
	return id
}

func (m *MemoryClient) bucket(objectType string) map[string]record.Record {
	b, ok := m.records[objectType]
	if !ok {
		b = map[string]record.Record{}
		m.records[objectType] = b
	}
	return b
}

func (m *MemoryClient) log(c Call) {
	if c.Fields != nil {
		fields := make(map[string]any, len(c.Fields))
		for k, v := range c.Fields {
			fields[k] = v
		}
		c.Fields = fields
	}
	m.calls = append(m.calls, c)
}

var keyPrefixes = map[string]string{
	"Account":     "001",
	"Contact":     "003",
	"Lead":        "00Q",
	"Opportunity": "006",
	"Campaign":    "701",
}

func keyPrefix(objectType string) string {
	if p, ok := keyPrefixes[objectType]; ok {
		return p
	}
	return "a00"
}

// project keeps Id, the selected fields and the attributes of r.
func project(r record.Record, fields []string) record.Record {
	if len(fields) == 0 {
		return record.New(r.Type, r.ID, r.Fields)
	}
	out := record.New(r.Type, r.ID, nil)
	for _, f := range fields {
		if v, ok := r.Fields[f]; ok {
			out.Fields[f] = v
		}
	}
	return out
}
