package persist

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wrenlabs/poflow/flow"
)

// MemStore is the in-memory store: the full persistence surface plus the
// workflow, orphan and upload surfaces the workflow core needs. It backs
// tests and single-process development runs.
type MemStore struct {
	mu sync.Mutex

	pos       map[string]*PurchaseOrder
	items     map[string][]LineItem // by purchase order id
	suppliers map[string]*Supplier
	sessions  map[string]*Session
	drafts    map[string]*ProductDraft

	workflows map[string]*flow.Workflow
	uploads   map[string]*memUpload

	clock func() time.Time
}

type memUpload struct {
	flow.Upload
	workflowID string
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		pos:       make(map[string]*PurchaseOrder),
		items:     make(map[string][]LineItem),
		suppliers: make(map[string]*Supplier),
		sessions:  make(map[string]*Session),
		drafts:    make(map[string]*ProductDraft),
		workflows: make(map[string]*flow.Workflow),
		uploads:   make(map[string]*memUpload),
		clock:     time.Now,
	}
}

// SetClock replaces the time source, for tests.
func (m *MemStore) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// --- POStore ---

func (m *MemStore) CreatePurchaseOrder(ctx context.Context, po *PurchaseOrder, items []LineItem, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.numberTakenLocked(po.MerchantID, po.Number, "") {
		return ErrUniqueNumber
	}
	cp := *po
	m.pos[po.ID] = &cp
	m.items[po.ID] = append([]LineItem(nil), items...)
	return nil
}

func (m *MemStore) UpdatePurchaseOrder(ctx context.Context, po *PurchaseOrder, items []LineItem, withNumber bool, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.pos[po.ID]
	if !ok {
		return ErrNotFound
	}
	if withNumber && m.numberTakenLocked(po.MerchantID, po.Number, po.ID) {
		return ErrUniqueNumber
	}

	cp := *po
	if !withNumber {
		cp.Number = existing.Number
	}
	cp.CreatedAt = existing.CreatedAt
	m.pos[po.ID] = &cp
	m.items[po.ID] = append([]LineItem(nil), items...)
	return nil
}

func (m *MemStore) numberTakenLocked(merchantID, number, excludeID string) bool {
	for _, po := range m.pos {
		if po.ID != excludeID && po.MerchantID == merchantID && po.Number == number {
			return true
		}
	}
	return false
}

func (m *MemStore) NumbersLike(ctx context.Context, merchantID, base string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, po := range m.pos {
		if po.MerchantID == merchantID && strings.HasPrefix(po.Number, base) {
			out = append(out, po.Number)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) CountLineItems(_ context.Context, poID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items[poID]), nil
}

func (m *MemStore) GetPurchaseOrder(_ context.Context, id string) (*PurchaseOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	po, ok := m.pos[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *po
	return &cp, nil
}

func (m *MemStore) ListLineItems(_ context.Context, poID string) ([]LineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LineItem(nil), m.items[poID]...), nil
}

func (m *MemStore) SetPOStatus(_ context.Context, id, status string, notes *string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	po, ok := m.pos[id]
	if !ok {
		return ErrNotFound
	}
	po.Status = status
	if notes != nil && po.ProcessingNotes == nil {
		po.ProcessingNotes = notes
	}
	po.JobCompletedAt = &completedAt
	po.UpdatedAt = m.clock()
	return nil
}

// --- SupplierStore ---

func (m *MemStore) ListSuppliers(_ context.Context, merchantID string) ([]Supplier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Supplier
	for _, s := range m.suppliers {
		if s.MerchantID == merchantID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TrigramCandidates emulates the indexed engine with the same Levenshtein
// ratio the in-process engine uses; close enough for tests of the blend and
// fallback logic.
func (m *MemStore) TrigramCandidates(ctx context.Context, merchantID, name string, limit int) ([]ScoredSupplier, error) {
	suppliers, err := m.ListSuppliers(ctx, merchantID)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredSupplier, 0, len(suppliers))
	for _, s := range suppliers {
		out = append(out, ScoredSupplier{Supplier: s, NameScore: nameSimilarity(s.Name, name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NameScore > out[j].NameScore })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) CreateSupplier(_ context.Context, s *Supplier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.suppliers[s.ID] = &cp
	return nil
}

// --- DraftStore ---

func (m *MemStore) ActiveSession(_ context.Context, merchantID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *Session
	for _, s := range m.sessions {
		if s.MerchantID != merchantID {
			continue
		}
		if newest == nil || s.CreatedAt.After(newest.CreatedAt) {
			newest = s
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (m *MemStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *MemStore) CreateProductDraft(_ context.Context, d *ProductDraft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	cp.Images = append([]DraftImage(nil), d.Images...)
	m.drafts[d.ID] = &cp
	return nil
}

func (m *MemStore) ListDraftsByPO(_ context.Context, poID string) ([]ProductDraft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ProductDraft
	for _, d := range m.drafts {
		if d.PurchaseOrderID == poID {
			cp := *d
			cp.Images = append([]DraftImage(nil), d.Images...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) AttachDraftImages(_ context.Context, draftID string, images []DraftImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[draftID]
	if !ok {
		return ErrNotFound
	}
	d.Images = append(d.Images, images...)
	return nil
}

func (m *MemStore) SetDraftStatus(_ context.Context, draftID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[draftID]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	return nil
}

// --- flow.WorkflowStore ---

func (m *MemStore) CreateWorkflow(_ context.Context, wf *flow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

func (m *MemStore) GetWorkflow(_ context.Context, id string) (*flow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, flow.ErrWorkflowNotFound
	}
	return cloneWorkflow(wf), nil
}

func (m *MemStore) GetWorkflowByUpload(_ context.Context, uploadID string) (*flow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *flow.Workflow
	for _, wf := range m.workflows {
		if wf.UploadID != uploadID {
			continue
		}
		if newest == nil || wf.CreatedAt.After(newest.CreatedAt) {
			newest = wf
		}
	}
	if newest == nil {
		return nil, flow.ErrWorkflowNotFound
	}
	return cloneWorkflow(newest), nil
}

func (m *MemStore) UpdateWorkflow(_ context.Context, wf *flow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; !ok {
		return flow.ErrWorkflowNotFound
	}
	m.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

func (m *MemStore) StuckWorkflows(_ context.Context, olderThan time.Duration, limit int) ([]*flow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.clock().Add(-olderThan)
	var out []*flow.Workflow
	for _, wf := range m.workflows {
		if wf.Status == flow.WorkflowProcessing && wf.UpdatedAt.Before(cutoff) {
			out = append(out, cloneWorkflow(wf))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneWorkflow(wf *flow.Workflow) *flow.Workflow {
	cp := *wf
	cp.Stages = make(map[flow.Stage]*flow.StageState, len(wf.Stages))
	for s, st := range wf.Stages {
		sc := *st
		sc.Warnings = append([]string(nil), st.Warnings...)
		cp.Stages[s] = &sc
	}
	return &cp
}

// --- flow.OrphanStore ---

// FinalizeOrphans applies the confidence-based terminal status to purchase
// orders whose line items were saved but whose workflow never finalized
// them. The owning workflow row is completed too; left processing it would
// be rescanned as stuck on every sweep.
func (m *MemStore) FinalizeOrphans(_ context.Context, olderThan time.Duration, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock().Add(-olderThan)
	finalized := 0
	for id, po := range m.pos {
		if finalized >= limit {
			break
		}
		if po.Status != StatusProcessing && po.Status != StatusPending {
			continue
		}
		if !po.UpdatedAt.Before(cutoff) || len(m.items[id]) == 0 {
			continue
		}
		now := m.clock()
		po.Status = StatusForConfidence(po.Confidence)
		po.JobCompletedAt = &now
		po.UpdatedAt = now
		m.completeWorkflowForPO(id, now)
		finalized++
	}
	return finalized, nil
}

func (m *MemStore) completeWorkflowForPO(poID string, now time.Time) {
	for _, wf := range m.workflows {
		if wf.PurchaseOrderID != poID || wf.Terminal() {
			continue
		}
		wf.Status = flow.WorkflowCompleted
		wf.ProgressPercent = 100
		done := now
		wf.CompletedAt = &done
		wf.UpdatedAt = now
	}
}

// --- flow.UploadSource ---

// AddUpload seeds a pending upload; test and development helper.
func (m *MemStore) AddUpload(up flow.Upload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[up.ID] = &memUpload{Upload: up}
}

func (m *MemStore) PendingUploads(_ context.Context, limit int) ([]flow.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []flow.Upload
	for _, up := range m.uploads {
		if up.workflowID == "" {
			out = append(out, up.Upload)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) BindUpload(_ context.Context, uploadID, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.uploads[uploadID]
	if !ok {
		return ErrNotFound
	}
	up.workflowID = workflowID
	return nil
}
