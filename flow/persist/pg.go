package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/wrenlabs/poflow/flow"
	"github.com/wrenlabs/poflow/flow/db"
)

// pgUniqueViolation is the Postgres unique_violation SQLSTATE.
const pgUniqueViolation = "23505"

// PGStore is the Postgres store, run through the connection manager so
// every operation sits behind warmup and the transient-error retry
// envelope. Transactions are never retried as a unit; the save service owns
// conflict retries with fresh transactions.
type PGStore struct {
	mgr *db.Manager
	log *logrus.Entry
}

// NewPGStore creates a store over the managed connection.
func NewPGStore(mgr *db.Manager, log *logrus.Entry) *PGStore {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &PGStore{mgr: mgr, log: log}
}

// --- POStore ---

func (s *PGStore) CreatePurchaseOrder(ctx context.Context, po *PurchaseOrder, items []LineItem, timeout time.Duration) error {
	return s.inTx(ctx, timeout, func(tx *sqlx.Tx) error {
		const q = `
			INSERT INTO purchase_orders
				(id, merchant_id, number, supplier_id, status, confidence,
				 total_amount, currency, processing_notes, created_at, updated_at)
			VALUES
				(:id, :merchant_id, :number, :supplier_id, :status, :confidence,
				 :total_amount, :currency, :processing_notes, :created_at, :updated_at)`
		if _, err := tx.NamedExecContext(ctx, q, po); err != nil {
			return translatePGError(err)
		}
		return insertLineItems(ctx, tx, items)
	})
}

func (s *PGStore) UpdatePurchaseOrder(ctx context.Context, po *PurchaseOrder, items []LineItem, withNumber bool, timeout time.Duration) error {
	return s.inTx(ctx, timeout, func(tx *sqlx.Tx) error {
		q := `
			UPDATE purchase_orders SET
				supplier_id = :supplier_id, status = :status,
				confidence = :confidence, total_amount = :total_amount,
				currency = :currency, updated_at = :updated_at`
		if withNumber {
			q += `, number = :number`
		}
		q += ` WHERE id = :id`

		res, err := tx.NamedExecContext(ctx, q, po)
		if err != nil {
			return translatePGError(err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM line_items WHERE purchase_order_id = $1`, po.ID); err != nil {
			return translatePGError(err)
		}
		return insertLineItems(ctx, tx, items)
	})
}

func insertLineItems(ctx context.Context, tx *sqlx.Tx, items []LineItem) error {
	if len(items) == 0 {
		return nil
	}
	const q = `
		INSERT INTO line_items
			(id, purchase_order_id, description, sku, quantity, unit_price, total_price, confidence)
		VALUES
			(:id, :purchase_order_id, :description, :sku, :quantity, :unit_price, :total_price, :confidence)`
	if _, err := tx.NamedExecContext(ctx, q, items); err != nil {
		return translatePGError(err)
	}
	return nil
}

func (s *PGStore) NumbersLike(ctx context.Context, merchantID, base string) ([]string, error) {
	var numbers []string
	err := s.mgr.WithRetry(ctx, "po numbers pre-check", func(sdb *sqlx.DB) error {
		numbers = numbers[:0]
		return sdb.SelectContext(ctx, &numbers,
			`SELECT number FROM purchase_orders WHERE merchant_id = $1 AND number LIKE $2`,
			merchantID, escapeLike(base)+"%")
	})
	return numbers, err
}

func (s *PGStore) CountLineItems(ctx context.Context, poID string) (int, error) {
	var count int
	err := s.mgr.WithRetry(ctx, "line item count", func(sdb *sqlx.DB) error {
		return sdb.GetContext(ctx, &count,
			`SELECT COUNT(*) FROM line_items WHERE purchase_order_id = $1`, poID)
	})
	return count, err
}

func (s *PGStore) GetPurchaseOrder(ctx context.Context, id string) (*PurchaseOrder, error) {
	var po PurchaseOrder
	err := s.mgr.WithRetry(ctx, "get purchase order", func(sdb *sqlx.DB) error {
		return sdb.GetContext(ctx, &po, `SELECT * FROM purchase_orders WHERE id = $1`, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &po, nil
}

func (s *PGStore) ListLineItems(ctx context.Context, poID string) ([]LineItem, error) {
	var items []LineItem
	err := s.mgr.WithRetry(ctx, "list line items", func(sdb *sqlx.DB) error {
		items = items[:0]
		return sdb.SelectContext(ctx, &items,
			`SELECT * FROM line_items WHERE purchase_order_id = $1 ORDER BY id`, poID)
	})
	return items, err
}

func (s *PGStore) SetPOStatus(ctx context.Context, id, status string, notes *string, completedAt time.Time) error {
	return s.mgr.WithRetry(ctx, "set po status", func(sdb *sqlx.DB) error {
		// processing_notes is one-shot: COALESCE keeps the first write.
		res, err := sdb.ExecContext(ctx, `
			UPDATE purchase_orders SET
				status = $2,
				processing_notes = COALESCE(processing_notes, $3),
				job_completed_at = $4,
				updated_at = now()
			WHERE id = $1`,
			id, status, notes, completedAt)
		if err != nil {
			return translatePGError(err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// --- SupplierStore ---

func (s *PGStore) ListSuppliers(ctx context.Context, merchantID string) ([]Supplier, error) {
	var out []Supplier
	err := s.mgr.WithRetry(ctx, "list suppliers", func(sdb *sqlx.DB) error {
		out = out[:0]
		return sdb.SelectContext(ctx, &out,
			`SELECT * FROM suppliers WHERE merchant_id = $1`, merchantID)
	})
	return out, err
}

// TrigramCandidates uses the pg_trgm similarity operator over the indexed
// name column; single query regardless of catalog size.
func (s *PGStore) TrigramCandidates(ctx context.Context, merchantID, name string, limit int) ([]ScoredSupplier, error) {
	var out []ScoredSupplier
	err := s.mgr.WithRetry(ctx, "trigram candidates", func(sdb *sqlx.DB) error {
		out = out[:0]
		return sdb.SelectContext(ctx, &out, `
			SELECT id, merchant_id, name, email, phone, website, created_at,
			       similarity(name, $2) AS name_score
			FROM suppliers
			WHERE merchant_id = $1 AND name % $2
			ORDER BY name_score DESC
			LIMIT $3`,
			merchantID, name, limit)
	})
	return out, err
}

func (s *PGStore) CreateSupplier(ctx context.Context, sup *Supplier) error {
	return s.mgr.WithRetry(ctx, "create supplier", func(sdb *sqlx.DB) error {
		_, err := sdb.NamedExecContext(ctx, `
			INSERT INTO suppliers (id, merchant_id, name, email, phone, website, created_at)
			VALUES (:id, :merchant_id, :name, :email, :phone, :website, :created_at)`, sup)
		return translatePGError(err)
	})
}

// --- DraftStore ---

func (s *PGStore) ActiveSession(ctx context.Context, merchantID string) (*Session, error) {
	var sess Session
	err := s.mgr.WithRetry(ctx, "active session", func(sdb *sqlx.DB) error {
		return sdb.GetContext(ctx, &sess, `
			SELECT * FROM sessions WHERE merchant_id = $1
			ORDER BY created_at DESC LIMIT 1`, merchantID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *PGStore) CreateSession(ctx context.Context, sess *Session) error {
	return s.mgr.WithRetry(ctx, "create session", func(sdb *sqlx.DB) error {
		_, err := sdb.NamedExecContext(ctx, `
			INSERT INTO sessions (id, merchant_id, temporary, created_at)
			VALUES (:id, :merchant_id, :temporary, :created_at)`, sess)
		return translatePGError(err)
	})
}

func (s *PGStore) CreateProductDraft(ctx context.Context, d *ProductDraft) error {
	return s.mgr.WithRetry(ctx, "create product draft", func(sdb *sqlx.DB) error {
		_, err := sdb.NamedExecContext(ctx, `
			INSERT INTO product_drafts
				(id, line_item_id, merchant_id, purchase_order_id, session_id,
				 original_title, refined_title, original_price, price_refined,
				 estimated_margin, status)
			VALUES
				(:id, :line_item_id, :merchant_id, :purchase_order_id, :session_id,
				 :original_title, :refined_title, :original_price, :price_refined,
				 :estimated_margin, :status)`, d)
		return translatePGError(err)
	})
}

func (s *PGStore) ListDraftsByPO(ctx context.Context, poID string) ([]ProductDraft, error) {
	var drafts []ProductDraft
	err := s.mgr.WithRetry(ctx, "list drafts", func(sdb *sqlx.DB) error {
		drafts = drafts[:0]
		return sdb.SelectContext(ctx, &drafts,
			`SELECT * FROM product_drafts WHERE purchase_order_id = $1 ORDER BY id`, poID)
	})
	if err != nil {
		return nil, err
	}
	for i := range drafts {
		var images []DraftImage
		err := s.mgr.WithRetry(ctx, "list draft images", func(sdb *sqlx.DB) error {
			images = images[:0]
			return sdb.SelectContext(ctx, &images,
				`SELECT * FROM draft_images WHERE product_draft_id = $1 ORDER BY position`, drafts[i].ID)
		})
		if err != nil {
			return nil, err
		}
		drafts[i].Images = images
	}
	return drafts, nil
}

func (s *PGStore) AttachDraftImages(ctx context.Context, draftID string, images []DraftImage) error {
	if len(images) == 0 {
		return nil
	}
	for i := range images {
		images[i].ProductDraftID = draftID
	}
	return s.mgr.WithRetry(ctx, "attach draft images", func(sdb *sqlx.DB) error {
		_, err := sdb.NamedExecContext(ctx, `
			INSERT INTO draft_images (id, product_draft_id, url, score, position)
			VALUES (:id, :product_draft_id, :url, :score, :position)`, images)
		return translatePGError(err)
	})
}

func (s *PGStore) SetDraftStatus(ctx context.Context, draftID, status string) error {
	return s.mgr.WithRetry(ctx, "set draft status", func(sdb *sqlx.DB) error {
		_, err := sdb.ExecContext(ctx,
			`UPDATE product_drafts SET status = $2 WHERE id = $1`, draftID, status)
		return translatePGError(err)
	})
}

// --- flow.WorkflowStore ---

// wfRow maps the workflows table; stage map and payload travel as JSONB.
type wfRow struct {
	ID              string     `db:"id"`
	UploadID        string     `db:"upload_id"`
	MerchantID      string     `db:"merchant_id"`
	FileURL         string     `db:"file_url"`
	FileName        string     `db:"file_name"`
	MIMEType        string     `db:"mime_type"`
	Status          string     `db:"status"`
	CurrentStage    string     `db:"current_stage"`
	Stages          []byte     `db:"stages"`
	ProgressPercent int        `db:"progress_percent"`
	Data            []byte     `db:"data"`
	PurchaseOrderID string     `db:"purchase_order_id"`
	ErrorMessage    string     `db:"error_message"`
	FailedStage     string     `db:"failed_stage"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	CompletedAt     *time.Time `db:"completed_at"`
}

func rowFromWorkflow(wf *flow.Workflow) (*wfRow, error) {
	stages, err := json.Marshal(wf.Stages)
	if err != nil {
		return nil, fmt.Errorf("marshal stages: %w", err)
	}
	data, err := json.Marshal(wf.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal stage data: %w", err)
	}
	return &wfRow{
		ID:              wf.ID,
		UploadID:        wf.UploadID,
		MerchantID:      wf.MerchantID,
		FileURL:         wf.FileURL,
		FileName:        wf.FileName,
		MIMEType:        wf.MIMEType,
		Status:          wf.Status,
		CurrentStage:    string(wf.CurrentStage),
		Stages:          stages,
		ProgressPercent: wf.ProgressPercent,
		Data:            data,
		PurchaseOrderID: wf.PurchaseOrderID,
		ErrorMessage:    wf.ErrorMessage,
		FailedStage:     string(wf.FailedStage),
		CreatedAt:       wf.CreatedAt,
		UpdatedAt:       wf.UpdatedAt,
		CompletedAt:     wf.CompletedAt,
	}, nil
}

func (r *wfRow) workflow() (*flow.Workflow, error) {
	wf := &flow.Workflow{
		ID:              r.ID,
		UploadID:        r.UploadID,
		MerchantID:      r.MerchantID,
		FileURL:         r.FileURL,
		FileName:        r.FileName,
		MIMEType:        r.MIMEType,
		Status:          r.Status,
		CurrentStage:    flow.Stage(r.CurrentStage),
		ProgressPercent: r.ProgressPercent,
		PurchaseOrderID: r.PurchaseOrderID,
		ErrorMessage:    r.ErrorMessage,
		FailedStage:     flow.Stage(r.FailedStage),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		CompletedAt:     r.CompletedAt,
	}
	if len(r.Stages) > 0 {
		if err := json.Unmarshal(r.Stages, &wf.Stages); err != nil {
			return nil, fmt.Errorf("unmarshal stages: %w", err)
		}
	}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &wf.Data); err != nil {
			return nil, fmt.Errorf("unmarshal stage data: %w", err)
		}
	}
	return wf, nil
}

func (s *PGStore) CreateWorkflow(ctx context.Context, wf *flow.Workflow) error {
	row, err := rowFromWorkflow(wf)
	if err != nil {
		return err
	}
	return s.mgr.WithRetry(ctx, "create workflow", func(sdb *sqlx.DB) error {
		_, err := sdb.NamedExecContext(ctx, `
			INSERT INTO workflows
				(id, upload_id, merchant_id, file_url, file_name, mime_type,
				 status, current_stage, stages, progress_percent, data,
				 purchase_order_id, error_message, failed_stage,
				 created_at, updated_at, completed_at)
			VALUES
				(:id, :upload_id, :merchant_id, :file_url, :file_name, :mime_type,
				 :status, :current_stage, :stages, :progress_percent, :data,
				 :purchase_order_id, :error_message, :failed_stage,
				 :created_at, :updated_at, :completed_at)`, row)
		return translatePGError(err)
	})
}

func (s *PGStore) GetWorkflow(ctx context.Context, id string) (*flow.Workflow, error) {
	var row wfRow
	err := s.mgr.WithRetry(ctx, "get workflow", func(sdb *sqlx.DB) error {
		return sdb.GetContext(ctx, &row, `SELECT * FROM workflows WHERE id = $1`, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flow.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.workflow()
}

func (s *PGStore) GetWorkflowByUpload(ctx context.Context, uploadID string) (*flow.Workflow, error) {
	var row wfRow
	err := s.mgr.WithRetry(ctx, "get workflow by upload", func(sdb *sqlx.DB) error {
		return sdb.GetContext(ctx, &row, `
			SELECT * FROM workflows WHERE upload_id = $1
			ORDER BY created_at DESC LIMIT 1`, uploadID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flow.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.workflow()
}

func (s *PGStore) UpdateWorkflow(ctx context.Context, wf *flow.Workflow) error {
	row, err := rowFromWorkflow(wf)
	if err != nil {
		return err
	}
	return s.mgr.WithRetry(ctx, "update workflow", func(sdb *sqlx.DB) error {
		res, err := sdb.NamedExecContext(ctx, `
			UPDATE workflows SET
				status = :status, current_stage = :current_stage,
				stages = :stages, progress_percent = :progress_percent,
				data = :data, purchase_order_id = :purchase_order_id,
				error_message = :error_message, failed_stage = :failed_stage,
				updated_at = :updated_at, completed_at = :completed_at
			WHERE id = :id`, row)
		if err != nil {
			return translatePGError(err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return flow.ErrWorkflowNotFound
		}
		return nil
	})
}

func (s *PGStore) StuckWorkflows(ctx context.Context, olderThan time.Duration, limit int) ([]*flow.Workflow, error) {
	var rows []wfRow
	err := s.mgr.WithRetry(ctx, "stuck workflows", func(sdb *sqlx.DB) error {
		rows = rows[:0]
		return sdb.SelectContext(ctx, &rows, `
			SELECT * FROM workflows
			WHERE status = $1 AND updated_at < now() - $2::interval
			ORDER BY updated_at
			LIMIT $3`,
			flow.WorkflowProcessing, olderThan.String(), limit)
	})
	if err != nil {
		return nil, err
	}
	out := make([]*flow.Workflow, 0, len(rows))
	for i := range rows {
		wf, err := rows[i].workflow()
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

// --- flow.OrphanStore ---

// FinalizeOrphans applies terminal statuses to stale purchase orders with
// saved line items and completes their workflow rows in the same
// transaction; a row left processing would be rescanned as stuck on every
// sweep. SKIP LOCKED keeps the sweep from ever blocking behind a live save.
func (s *PGStore) FinalizeOrphans(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	finalized := 0
	err := s.inTx(ctx, 10*time.Second, func(tx *sqlx.Tx) error {
		err := tx.QueryRowContext(ctx, `
			WITH candidates AS (
				SELECT po.id FROM purchase_orders po
				WHERE po.status IN ($1, $2)
				  AND po.updated_at < now() - $3::interval
				  AND EXISTS (SELECT 1 FROM line_items li WHERE li.purchase_order_id = po.id)
				ORDER BY po.updated_at
				LIMIT $4
				FOR UPDATE SKIP LOCKED
			),
			finalized AS (
				UPDATE purchase_orders p SET
					status = CASE
						WHEN p.confidence >= $5 THEN $6
						WHEN p.confidence >= $7 THEN $8
						ELSE $9
					END,
					job_completed_at = now(),
					updated_at = now()
				FROM candidates c WHERE p.id = c.id
				RETURNING p.id
			),
			closed AS (
				UPDATE workflows w SET
					status = $10, progress_percent = 100,
					completed_at = now(), updated_at = now()
				FROM finalized f
				WHERE w.purchase_order_id = f.id AND w.status IN ($11, $12)
				RETURNING w.id
			)
			SELECT count(*) FROM finalized`,
			StatusPending, StatusProcessing, olderThan.String(), limit,
			ConfidenceCompleted, StatusCompleted,
			ConfidenceReviewNeeded, StatusReviewNeeded,
			StatusLowConfidenceReview,
			flow.WorkflowCompleted, flow.WorkflowPending, flow.WorkflowProcessing,
		).Scan(&finalized)
		if err != nil {
			return translatePGError(err)
		}
		return nil
	})
	return finalized, err
}

// --- flow.UploadSource ---

func (s *PGStore) PendingUploads(ctx context.Context, limit int) ([]flow.Upload, error) {
	type uploadRow struct {
		ID                string    `db:"id"`
		MerchantID        string    `db:"merchant_id"`
		FileURL           string    `db:"file_url"`
		FileName          string    `db:"file_name"`
		MIMEType          string    `db:"mime_type"`
		ExtractedPONumber string    `db:"extracted_po_number"`
		CreatedAt         time.Time `db:"created_at"`
	}
	var rows []uploadRow
	err := s.mgr.WithRetry(ctx, "pending uploads", func(sdb *sqlx.DB) error {
		rows = rows[:0]
		return sdb.SelectContext(ctx, &rows, `
			SELECT id, merchant_id, file_url, file_name, mime_type,
			       COALESCE(extracted_po_number, '') AS extracted_po_number,
			       created_at
			FROM uploads
			WHERE workflow_id IS NULL
			ORDER BY created_at
			LIMIT $1`, limit)
	})
	if err != nil {
		return nil, err
	}
	out := make([]flow.Upload, len(rows))
	for i, r := range rows {
		out[i] = flow.Upload(r)
	}
	return out, nil
}

func (s *PGStore) BindUpload(ctx context.Context, uploadID, workflowID string) error {
	return s.mgr.WithRetry(ctx, "bind upload", func(sdb *sqlx.DB) error {
		res, err := sdb.ExecContext(ctx,
			`UPDATE uploads SET workflow_id = $2 WHERE id = $1`, uploadID, workflowID)
		if err != nil {
			return translatePGError(err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// --- helpers ---

// inTx runs fn inside one transaction bounded by timeout. The transaction
// is never retried: a unique violation aborts it, and the caller retries
// with a fresh one if it wants to.
func (s *PGStore) inTx(ctx context.Context, timeout time.Duration, fn func(tx *sqlx.Tx) error) error {
	client, err := s.mgr.Client(ctx)
	if err != nil {
		return err
	}

	txCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := client.BeginTxx(txCtx, nil)
	if err != nil {
		return translatePGError(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		if txCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("transaction budget %s exceeded: %w", timeout, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return translatePGError(err)
	}
	return nil
}

// translatePGError maps Postgres unique violations onto ErrUniqueNumber and
// passes everything else through for the connection manager's retry
// classification.
func translatePGError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrUniqueNumber, pgErr.ConstraintName)
	}
	return err
}

// escapeLike escapes LIKE wildcards so a PO number containing % or _ only
// matches itself as a prefix.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
