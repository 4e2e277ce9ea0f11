package patch

import (
	"path/filepath"
	"testing"

	"github.com/BegaDeveloper/proofsh/internal/session"
)

func TestLedgerSaveGetList(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", LedgerFileName)
	ledger, err := OpenLedger(path)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}

	for id := 1; id <= 3; id++ {
		if err := ledger.Save(Record{Run: "run-a", ID: id, Status: session.PatchProposed}); err != nil {
			t.Fatalf("save %d: %v", id, err)
		}
	}
	if err := ledger.Save(Record{Run: "run-a", ID: 1, Status: session.PatchApplied}); err != nil {
		t.Fatalf("update: %v", err)
	}

	record, err := ledger.Get("run-a", 1)
	if err != nil || record == nil || record.Status != session.PatchApplied {
		t.Fatalf("expected updated record, got %+v err=%v", record, err)
	}
	if record.CreatedAt.IsZero() || record.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps, got %+v", record)
	}
	missing, err := ledger.Get("run-b", 1)
	if err != nil || missing != nil {
		t.Fatalf("expected no record, got %+v err=%v", missing, err)
	}

	records, err := ledger.List(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 || records[0].ID != 3 || records[2].ID != 1 {
		t.Fatalf("expected update in place and newest first, got %+v", records)
	}

	// A second handle on the same file, as another proofsh process would hold.
	reopened, err := OpenLedger(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := reopened.Save(Record{Run: "run-b", ID: 1, Status: session.PatchRejected}); err != nil {
		t.Fatalf("save after reopen: %v", err)
	}
	latest, err := reopened.LatestRun()
	if err != nil || latest != "run-b" {
		t.Fatalf("expected latest run run-b, got %q err=%v", latest, err)
	}
	limited, err := reopened.List(2)
	if err != nil || len(limited) != 2 || limited[0].Run != "run-b" {
		t.Fatalf("unexpected limited list %+v err=%v", limited, err)
	}
	if seen, err := ledger.Get("run-b", 1); err != nil || seen == nil || seen.Status != session.PatchRejected {
		t.Fatalf("expected the first handle to see the second handle's write, got %+v err=%v", seen, err)
	}
}
