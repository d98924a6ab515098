package persist

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	"github.com/wrenlabs/poflow/flow"
	"github.com/wrenlabs/poflow/flow/db"
)

// newMockStore builds a PGStore over a sqlmock-backed manager. Warmup is
// driven to completion before the store is handed back, so tests only
// register expectations for their own queries.
func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	var mock sqlmock.Sqlmock
	mgr := db.NewManager("postgres://unused", db.Options{
		WarmupWait: 10 * time.Millisecond,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Opener: func(string) (*sqlx.DB, error) {
			raw, mk, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
			if err != nil {
				return nil, err
			}
			mk.ExpectQuery(`SELECT 1`).
				WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
			mk.ExpectQuery(`SELECT id FROM purchase_orders`).
				WithArgs("warmup-probe").
				WillReturnError(sql.ErrNoRows)
			mk.MatchExpectationsInOrder(false)
			mock = mk
			return sqlx.NewDb(raw, "pgx"), nil
		},
	}, nil)
	if _, err := mgr.Client(context.Background()); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	return NewPGStore(mgr, nil), mock
}

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: constraint}
}

func TestPGStore_CreatePurchaseOrder(t *testing.T) {
	t.Run("unique violation surfaces as ErrUniqueNumber and aborts", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO purchase_orders`).
			WillReturnError(uniqueViolation("purchase_orders_merchant_id_number_key"))
		mock.ExpectRollback()

		po := &PurchaseOrder{ID: "po1", MerchantID: "m1", Number: "PO-1001"}
		err := store.CreatePurchaseOrder(context.Background(), po, nil, time.Second)
		if !errors.Is(err, ErrUniqueNumber) {
			t.Fatalf("expected ErrUniqueNumber, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("po and line items commit in one transaction", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO purchase_orders`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO line_items`).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		po := &PurchaseOrder{ID: "po1", MerchantID: "m1", Number: "PO-1001"}
		items := []LineItem{
			{ID: "li1", PurchaseOrderID: "po1", Description: "Widget", Quantity: 2, UnitPrice: 25, TotalPrice: 50},
			{ID: "li2", PurchaseOrderID: "po1", Description: "Gadget", Quantity: 3, UnitPrice: 33, TotalPrice: 99},
		}
		if err := store.CreatePurchaseOrder(context.Background(), po, items, time.Second); err != nil {
			t.Fatalf("CreatePurchaseOrder: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})
}

func TestPGStore_UpdatePurchaseOrder(t *testing.T) {
	t.Run("withNumber writes the number column", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE purchase_orders SET[\s\S]*number = `).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`DELETE FROM line_items`).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		po := &PurchaseOrder{ID: "po1", MerchantID: "m1", Number: "PO-2002"}
		if err := store.UpdatePurchaseOrder(context.Background(), po, nil, true, time.Second); err != nil {
			t.Fatalf("UpdatePurchaseOrder: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("missing row reports ErrNotFound", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE purchase_orders SET`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		po := &PurchaseOrder{ID: "missing", MerchantID: "m1"}
		err := store.UpdatePurchaseOrder(context.Background(), po, nil, false, time.Second)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestPGStore_NumbersLike(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT number FROM purchase_orders`).
		WithArgs("m1", `PO-10\%1%`).
		WillReturnRows(sqlmock.NewRows([]string{"number"}).
			AddRow("PO-10%1").AddRow("PO-10%1-1"))

	got, err := store.NumbersLike(context.Background(), "m1", "PO-10%1")
	if err != nil {
		t.Fatalf("NumbersLike: %v", err)
	}
	if len(got) != 2 || got[0] != "PO-10%1" {
		t.Errorf("got %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPGStore_SetPOStatus(t *testing.T) {
	t.Run("notes write through COALESCE", func(t *testing.T) {
		store, mock := newMockStore(t)
		notes := "2 of 3 items drafted"
		done := time.UnixMilli(1700000000000)
		mock.ExpectExec(`UPDATE purchase_orders SET[\s\S]*COALESCE\(processing_notes, \$3\)`).
			WithArgs("po1", StatusCompleted, &notes, done).
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := store.SetPOStatus(context.Background(), "po1", StatusCompleted, &notes, done); err != nil {
			t.Fatalf("SetPOStatus: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("missing row reports ErrNotFound", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE purchase_orders SET`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.SetPOStatus(context.Background(), "missing", StatusCompleted, nil, time.Now())
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestPGStore_FinalizeOrphans(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	// One statement finalizes the purchase orders and completes their
	// workflow rows via chained CTEs, returning the PO count.
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED[\s\S]*UPDATE workflows w SET`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectCommit()

	n, err := store.FinalizeOrphans(context.Background(), 10*time.Minute, 100)
	if err != nil {
		t.Fatalf("FinalizeOrphans: %v", err)
	}
	if n != 3 {
		t.Errorf("finalized = %d, want 3", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPGStore_BindUpload(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE uploads SET workflow_id`).
		WithArgs("u1", "wf1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.BindUpload(context.Background(), "u1", "wf1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown upload, got %v", err)
	}
}

func TestTranslatePGError(t *testing.T) {
	t.Run("unique violation maps with constraint name", func(t *testing.T) {
		err := translatePGError(uniqueViolation("purchase_orders_merchant_id_number_key"))
		if !errors.Is(err, ErrUniqueNumber) {
			t.Fatalf("got %v", err)
		}
	})

	t.Run("other sqlstates pass through", func(t *testing.T) {
		src := &pgconn.PgError{Code: "40001"}
		if err := translatePGError(src); errors.Is(err, ErrUniqueNumber) {
			t.Fatal("serialization failure mapped to unique violation")
		}
	})

	t.Run("nil stays nil", func(t *testing.T) {
		if translatePGError(nil) != nil {
			t.Fatal("non-nil from nil")
		}
	})
}

func TestEscapeLike(t *testing.T) {
	cases := map[string]string{
		"PO-1001":  "PO-1001",
		"PO_1001":  `PO\_1001`,
		"PO%":      `PO\%`,
		`PO\1001`:  `PO\\1001`,
		"100%_off": `100\%\_off`,
	}
	for in, want := range cases {
		if got := escapeLike(in); got != want {
			t.Errorf("escapeLike(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWorkflowRowRoundTrip(t *testing.T) {
	now := time.UnixMilli(1700000000000).UTC()
	wf := &flow.Workflow{
		ID:           "wf1",
		UploadID:     "u1",
		MerchantID:   "m1",
		FileName:     "order.pdf",
		Status:       flow.WorkflowProcessing,
		CurrentStage: flow.StageSave,
		Stages:       flow.NewStages(),
		Data:         flow.StageData{WorkflowID: "wf1", MerchantID: "m1", Confidence: 92.5},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	wf.Stages[flow.StageParse].Status = flow.StageCompleted

	row, err := rowFromWorkflow(wf)
	if err != nil {
		t.Fatalf("rowFromWorkflow: %v", err)
	}
	back, err := row.workflow()
	if err != nil {
		t.Fatalf("workflow: %v", err)
	}
	if back.CurrentStage != flow.StageSave || back.Data.Confidence != 92.5 {
		t.Errorf("round trip lost data: %+v", back)
	}
	if back.Stages[flow.StageParse].Status != flow.StageCompleted {
		t.Errorf("stage states lost: %+v", back.Stages[flow.StageParse])
	}
}
