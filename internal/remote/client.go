// Package remote defines the CRM client contract used by the sync core and
// provides two implementations: a REST client for the real service and an
// in-memory CRM for tests, harness scenarios and dry runs.
//
// Client errors follow the syncerr taxonomy: a missing record is a NotFound
// error; network, auth and rate-limit failures are Transient.
package remote

import (
	"context"
	"time"

	"github.com/roach88/crmsync/internal/record"
	"github.com/roach88/crmsync/internal/soql"
)

// Client is the remote CRM.
type Client interface {
	// Create inserts a record and returns its id.
	Create(ctx context.Context, objectType string, fields map[string]any) (string, error)

	// Update patches an existing record.
	Update(ctx context.Context, objectType, id string, fields map[string]any) error

	// Upsert creates or updates the record whose keyField equals keyValue.
	// The id is returned only when a record was created.
	Upsert(ctx context.Context, objectType, keyField, keyValue string, fields map[string]any) (string, error)

	Read(ctx context.Context, objectType, id string) (record.Record, error)
	ReadByExternalID(ctx context.Context, objectType, keyField, keyValue string) (record.Record, error)
	Delete(ctx context.Context, objectType, id string) error

	// Describe returns the object's field schema.
	Describe(ctx context.Context, objectType string) (Schema, error)

	// Query runs a selector and returns the first page of results.
	Query(ctx context.Context, q *soql.Select) (QueryResult, error)

	// QueryMore fetches the page referenced by QueryResult.NextRecordsURL.
	QueryMore(ctx context.Context, nextRecordsURL string) (QueryResult, error)

	// GetDeleted lists records deleted in (since, until].
	GetDeleted(ctx context.Context, objectType string, since, until time.Time) (DeletedResult, error)
}

// QueryResult is one page of query results.
type QueryResult struct {
	TotalSize      int             `json:"totalSize"`
	Done           bool            `json:"done"`
	NextRecordsURL string          `json:"nextRecordsUrl,omitempty"`
	Records        []record.Record `json:"records"`
}

// DeletedRecord is one entry of a GetDeleted response.
type DeletedRecord struct {
	ID          string `json:"id"`
	DeletedDate string `json:"deletedDate"`
}

// DeletedResult is the response of GetDeleted.
type DeletedResult struct {
	DeletedRecords        []DeletedRecord `json:"deletedRecords"`
	EarliestDateAvailable string          `json:"earliestDateAvailable,omitempty"`
	LatestDateCovered     string          `json:"latestDateCovered,omitempty"`
}
