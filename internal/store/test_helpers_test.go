package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/crmsync/internal/model"
	"github.com/roach88/crmsync/internal/testutil"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp directory, with a fake
// clock frozen at testEpoch.
func createTestStore(t *testing.T) (*Store, *testutil.FakeClock) {
	t.Helper()
	clk := testutil.NewFakeClock(testEpoch)
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(clk))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clk
}

// createTestPushItem creates a push job with minimal required fields.
func createTestPushItem(name, entityID string, op model.Op) model.PushQueueItem {
	return model.PushQueueItem{
		Name:     name,
		EntityID: entityID,
		Op:       op,
	}
}

// createTestMappedObject creates an unsaved mapped object.
func createTestMappedObject(mappingID, entityID, remoteID string) *model.MappedObject {
	return &model.MappedObject{
		EntityType:     "node",
		EntityID:       entityID,
		RemoteID:       remoteID,
		MappingID:      mappingID,
		LastSyncStatus: model.StatusSuccess,
		LastSyncAction: model.ActionPushCreate,
	}
}
