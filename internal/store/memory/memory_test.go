package memory

import (
	"context"
	"testing"

	"statement-ingest-service/internal/models"
	"statement-ingest-service/internal/store"
	"statement-ingest-service/internal/store/storetest"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New()
	})
}

func TestReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()

	stmt := &models.StatementRecord{ID: "s1", ScopeKey: "owner:u", ContentHash: "h", Status: models.StatusUploaded}
	if err := s.Statements().Create(ctx, stmt); err != nil {
		t.Fatalf("Create: %v", err)
	}
	stmt.Status = models.StatusError

	got, err := s.Statements().Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.StatusUploaded {
		t.Errorf("stored record was mutated through the caller's pointer: %s", got.Status)
	}

	got.FileName = "changed"
	again, _ := s.Statements().Get(ctx, "s1")
	if again.FileName == "changed" {
		t.Error("returned record aliases stored record")
	}
}
