package persist

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wrenlabs/poflow/flow/extract"
)

// ServiceOptions are the save-path knobs.
type ServiceOptions struct {
	// TxTimeout bounds every transaction. Transactions hold only fast
	// writes; slow lookups run before the transaction opens.
	TxTimeout time.Duration

	// SuffixAttempts is the insert attempt ceiling: the base plus suffixes
	// 1..SuffixAttempts-1, after which the epoch-millisecond fallback fires.
	SuffixAttempts int
}

func (o ServiceOptions) withDefaults() ServiceOptions {
	if o.TxTimeout <= 0 {
		o.TxTimeout = 10 * time.Second
	}
	if o.SuffixAttempts <= 0 {
		o.SuffixAttempts = 100
	}
	return o
}

// SaveInput carries one extraction result into the save path.
type SaveInput struct {
	MerchantID string
	FileName   string
	Result     extract.Result

	// ExistingPOID switches to the update path: the row is rewritten
	// instead of inserted, and a number conflict drops the number from the
	// update rather than suffixing.
	ExistingPOID string

	// EngineOverride forces a fuzzy-match engine for this request.
	EngineOverride Engine
}

// SaveOutput reports the persisted rows.
type SaveOutput struct {
	PurchaseOrder *PurchaseOrder
	LineItemCount int
	SupplierID    string
}

// Service implements the PO save contract: supplier resolution and number
// pre-check outside the transaction, short insert transactions with suffix
// retries on collision, pack-quantity normalization, and post-commit line
// item verification.
type Service struct {
	store   Store
	matcher *Matcher
	opts    ServiceOptions
	log     *logrus.Entry

	now   func() time.Time
	newID func() string
}

// NewService creates the save service.
func NewService(store Store, matcher *Matcher, opts ServiceOptions, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		store:   store,
		matcher: matcher,
		opts:    opts.withDefaults(),
		log:     log,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// Save persists the extraction result as a purchase order with line items,
// resolving the supplier and any PO number conflicts.
func (s *Service) Save(ctx context.Context, in SaveInput) (*SaveOutput, error) {
	// Pre-transaction: supplier resolution, no locks held.
	supplierID, err := s.resolveSupplier(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("resolve supplier: %w", err)
	}

	base := s.baseNumber(in)
	po, items := s.buildRows(in, supplierID)

	if in.ExistingPOID != "" {
		po.ID = in.ExistingPOID
		if err := s.updateWithConflictFallback(ctx, po, items, base); err != nil {
			return nil, err
		}
	} else {
		// Pre-transaction: number pre-check, no locks held. Reduces
		// in-transaction conflicts to the rare race where another save
		// consumes the slot between pre-check and insert.
		existing, err := s.store.NumbersLike(ctx, in.MerchantID, base)
		if err != nil {
			return nil, fmt.Errorf("number pre-check: %w", err)
		}
		if err := s.insertWithSuffixes(ctx, po, items, base, existing); err != nil {
			return nil, err
		}
	}

	// Post-commit verification: the committed line item count must cover
	// what we wrote.
	count, err := s.store.CountLineItems(ctx, po.ID)
	if err != nil {
		return nil, fmt.Errorf("post-commit verification: %w", err)
	}
	if count < len(items) {
		return nil, fmt.Errorf("%w: %d of %d line items persisted", ErrSaveFailed, count, len(items))
	}

	s.log.WithFields(logrus.Fields{
		"merchant":   in.MerchantID,
		"po":         po.ID,
		"number":     po.Number,
		"line_items": count,
	}).Info("purchase order saved")

	return &SaveOutput{PurchaseOrder: po, LineItemCount: count, SupplierID: supplierID}, nil
}

// resolveSupplier fuzzy-matches the parsed supplier and creates a new row
// when nothing scores above the threshold.
func (s *Service) resolveSupplier(ctx context.Context, in SaveInput) (string, error) {
	parsed := in.Result.Data.Supplier
	if strings.TrimSpace(parsed.Name) == "" {
		return "", nil
	}

	match, score, err := s.matcher.Match(ctx, in.MerchantID, parsed, in.EngineOverride)
	if err != nil {
		return "", err
	}
	if match != nil {
		s.log.WithFields(logrus.Fields{
			"merchant": in.MerchantID,
			"supplier": match.ID,
			"score":    score,
		}).Debug("supplier matched")
		return match.ID, nil
	}

	sup := &Supplier{
		ID:         s.newID(),
		MerchantID: in.MerchantID,
		Name:       strings.TrimSpace(parsed.Name),
		Email:      strings.TrimSpace(parsed.Email),
		Phone:      strings.TrimSpace(parsed.Phone),
		Website:    strings.TrimSpace(parsed.Website),
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateSupplier(ctx, sup); err != nil {
		return "", err
	}
	return sup.ID, nil
}

// baseNumber is the extracted PO number, or a generated one when the
// extractor produced none.
func (s *Service) baseNumber(in SaveInput) string {
	if base := strings.TrimSpace(in.Result.Data.PONumber); base != "" {
		return base
	}
	return fmt.Sprintf("PO-%d", s.now().UnixMilli())
}

// buildRows converts the extraction result into persistable rows, applying
// the pack-quantity rule and the line-total arithmetic.
func (s *Service) buildRows(in SaveInput, supplierID string) (*PurchaseOrder, []LineItem) {
	now := s.now()
	po := &PurchaseOrder{
		ID:          s.newID(),
		MerchantID:  in.MerchantID,
		Status:      StatusProcessing,
		Confidence:  in.Result.Confidence.Overall / 100,
		TotalAmount: in.Result.Data.TotalAmount,
		Currency:    in.Result.Data.Currency,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if supplierID != "" {
		po.SupplierID = &supplierID
	}
	if po.Currency == "" {
		po.Currency = "USD"
	}

	items := make([]LineItem, 0, len(in.Result.Data.LineItems))
	total := 0.0
	for _, li := range in.Result.Data.LineItems {
		row := s.buildLineItem(li)
		total += row.TotalPrice
		items = append(items, row)
	}
	if po.TotalAmount == 0 {
		po.TotalAmount = round2(total)
	}
	return po, items
}

func (s *Service) buildLineItem(li extract.ParsedLineItem) LineItem {
	qty := 1
	if li.Quantity != nil && *li.Quantity > 0 {
		qty = *li.Quantity
	}
	unit := 0.0
	if li.UnitPrice != nil {
		unit = *li.UnitPrice
	}

	qty, unit = applyPackRule(li.Description, li.Quantity, qty, unit)

	// The stored pair must satisfy |total - qty*unit| <= 0.01, so the total
	// is always derived from the rounded unit. When the extractor supplies
	// its own total, that total wins and the exact unit is backed out of it.
	unit = round2(unit)
	total := round2(float64(qty) * unit)
	if li.TotalPrice != nil && *li.TotalPrice > 0 {
		total = round2(*li.TotalPrice)
		if math.Abs(total-float64(qty)*unit) > 0.01 && qty > 0 {
			unit = total / float64(qty)
		}
	}

	return LineItem{
		ID:          s.newID(),
		Description: li.Description,
		SKU:         li.SKU,
		Quantity:    qty,
		UnitPrice:   unit,
		TotalPrice:  total,
		Confidence:  li.Confidence,
	}
}

// insertWithSuffixes walks the candidate numbers: the pre-checked
// suggestion, then unexplored suffixes, then the epoch fallback. Each
// attempt is its own transaction.
func (s *Service) insertWithSuffixes(ctx context.Context, po *PurchaseOrder, items []LineItem, base string, existing []string) error {
	candidates := s.candidateNumbers(base, existing)

	for _, number := range candidates {
		po.Number = number
		err := s.store.CreatePurchaseOrder(ctx, po, cloneForPO(items, po.ID), s.opts.TxTimeout)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrUniqueNumber) {
			return err
		}
		s.log.WithFields(logrus.Fields{"number": number, "merchant": po.MerchantID}).
			Debug("number taken, trying next candidate")
	}
	return fmt.Errorf("%w: exhausted %d number candidates for %q", ErrSaveFailed, len(candidates), base)
}

// candidateNumbers orders the numbers to attempt. The suggestion from the
// pre-check goes first; the remaining suffixes cover the race where the
// suggested slot is consumed between pre-check and insert; the timestamp is
// the terminal fallback.
func (s *Service) candidateNumbers(base string, existing []string) []string {
	candidates := make([]string, 0, s.opts.SuffixAttempts+1)

	suggested, ok := SuggestNumber(base, existing, s.opts.SuffixAttempts)
	if ok {
		candidates = append(candidates, suggested)
		for k := 1; k < s.opts.SuffixAttempts; k++ {
			if n := suffixNumber(base, k); n != suggested {
				candidates = append(candidates, n)
			}
		}
	}
	return append(candidates, timestampNumber(base, s.now()))
}

// updateWithConflictFallback rewrites an existing PO with the extracted
// number. Unlike the insert path, a conflict never suffixes: the number is
// dropped from the update and the stored number stays as it was.
func (s *Service) updateWithConflictFallback(ctx context.Context, po *PurchaseOrder, items []LineItem, base string) error {
	po.Number = base

	err := s.store.UpdatePurchaseOrder(ctx, po, cloneForPO(items, po.ID), true, s.opts.TxTimeout)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrUniqueNumber) {
		return err
	}

	s.log.WithFields(logrus.Fields{"po": po.ID, "number": base}).
		Debug("number conflict on update, keeping stored number")
	po.Number = ""
	return s.store.UpdatePurchaseOrder(ctx, po, cloneForPO(items, po.ID), false, s.opts.TxTimeout)
}

// cloneForPO stamps the owning PO id onto a fresh copy of the items, so a
// retried attempt never carries state from a rolled-back one.
func cloneForPO(items []LineItem, poID string) []LineItem {
	out := make([]LineItem, len(items))
	copy(out, items)
	for i := range out {
		out[i].PurchaseOrderID = poID
	}
	return out
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
