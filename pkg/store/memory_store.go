package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"pagecraft/internal/util"
	"pagecraft/pkg/domain"
)

// MemoryStore keeps all records in-process. It backs tests and local runs
// without a database.
type MemoryStore struct {
	mu        sync.RWMutex
	books     map[string]domain.Book
	chapters  map[string][]domain.Chapter // book ID -> chapters
	purchases map[string]domain.Purchase  // purchase ID -> purchase
	byPair    map[string]string           // user|book -> purchase ID
	byTxn     map[string]string           // txnid -> purchase ID
	coupons   map[string]domain.Coupon    // normalized code -> coupon
	payloads  map[string]map[string]string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:     make(map[string]domain.Book),
		chapters:  make(map[string][]domain.Chapter),
		purchases: make(map[string]domain.Purchase),
		byPair:    make(map[string]string),
		byTxn:     make(map[string]string),
		coupons:   make(map[string]domain.Coupon),
		payloads:  make(map[string]map[string]string),
	}
}

func (m *MemoryStore) SaveBook(_ context.Context, b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.books[b.ID]; ok {
		existing.AuthorID = b.AuthorID
		existing.Title = b.Title
		existing.Price = b.Price
		existing.ManuscriptKey = b.ManuscriptKey
		existing.UpdatedAt = now
		m.books[b.ID] = existing
		return nil
	}
	if b.IngestStatus == "" {
		b.IngestStatus = domain.IngestIdle
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	m.books[b.ID] = b
	return nil
}

func (m *MemoryStore) GetBook(_ context.Context, id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

func (m *MemoryStore) SetManuscript(_ context.Context, bookID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[bookID]
	if !ok {
		return ErrNotFound
	}
	b.ManuscriptKey = key
	b.UpdatedAt = time.Now().UTC()
	m.books[bookID] = b
	return nil
}

func (m *MemoryStore) SetIngestStatus(_ context.Context, bookID string, status domain.IngestStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[bookID]
	if !ok {
		return ErrNotFound
	}
	b.IngestStatus = status
	b.IngestError = errMsg
	b.UpdatedAt = time.Now().UTC()
	m.books[bookID] = b
	return nil
}

func (m *MemoryStore) UpsertPurchase(_ context.Context, p domain.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	pair := pairKey(p.UserID, p.BookID)
	if id, ok := m.byPair[pair]; ok {
		existing := m.purchases[id]
		if existing.Status == domain.PurchaseCompleted {
			return ErrPurchaseCompleted
		}
		delete(m.byTxn, existing.TxnID)
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	} else {
		if p.ID == "" {
			p.ID = util.NewID()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
	}
	if p.OriginalAmount.IsZero() {
		p.OriginalAmount = p.Amount
	}
	p.UpdatedAt = now
	m.purchases[p.ID] = p
	m.byPair[pair] = p.ID
	m.byTxn[p.TxnID] = p.ID
	delete(m.payloads, p.ID)
	return nil
}

func (m *MemoryStore) GetPurchaseByTxnID(_ context.Context, txnID string) (domain.Purchase, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byTxn[txnID]
	if !ok {
		return domain.Purchase{}, false, nil
	}
	return m.purchases[id], true, nil
}

func (m *MemoryStore) GetPurchase(_ context.Context, userID, bookID string) (domain.Purchase, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPair[pairKey(userID, bookID)]
	if !ok {
		return domain.Purchase{}, false, nil
	}
	return m.purchases[id], true, nil
}

func (m *MemoryStore) ListPurchasesByUser(_ context.Context, userID string, status domain.PurchaseStatus) ([]domain.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Purchase, 0)
	for _, p := range m.purchases {
		if p.UserID != userID {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].UpdatedAt.After(res[j].UpdatedAt)
	})
	return res, nil
}

func (m *MemoryStore) ApplyPurchaseOutcome(_ context.Context, outcome domain.PurchaseOutcome) (domain.Purchase, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTxn[outcome.TxnID]
	if !ok {
		return domain.Purchase{}, false, ErrNotFound
	}
	p := m.purchases[id]
	if p.Status != domain.PurchasePending {
		return p, false, nil
	}
	p.Status = outcome.Status
	p.GatewayTxnID = outcome.GatewayTxnID
	p.UpdatedAt = time.Now().UTC()
	m.purchases[id] = p
	m.payloads[id] = outcome.Payload
	if outcome.Status == domain.PurchaseCompleted && p.CouponCode != "" {
		code := normalizeCouponCode(p.CouponCode)
		if c, ok := m.coupons[code]; ok {
			c.UsesCount++
			m.coupons[code] = c
		}
	}
	return p, true, nil
}

// CallbackPayload returns the raw gateway fields recorded with the purchase's outcome.
func (m *MemoryStore) CallbackPayload(purchaseID string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.payloads[purchaseID]
}

func (m *MemoryStore) SaveCoupon(_ context.Context, c domain.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Code = normalizeCouponCode(c.Code)
	if existing, ok := m.coupons[c.Code]; ok {
		c.ID = existing.ID
		c.UsesCount = existing.UsesCount
	} else if c.ID == "" {
		c.ID = util.NewID()
	}
	m.coupons[c.Code] = c
	return nil
}

func (m *MemoryStore) GetCouponByCode(_ context.Context, code string) (domain.Coupon, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.coupons[normalizeCouponCode(code)]
	return c, ok, nil
}

func (m *MemoryStore) ReplaceChapters(_ context.Context, bookID string, chapters []domain.Chapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[bookID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	stored := make([]domain.Chapter, 0, len(chapters))
	for _, c := range chapters {
		if c.ID == "" {
			c.ID = util.NewID()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.BookID = bookID
		stored = append(stored, c)
	}
	sort.SliceStable(stored, func(i, j int) bool {
		return stored[i].ChapterNumber < stored[j].ChapterNumber
	})
	m.chapters[bookID] = stored
	b.TotalChapters = len(stored)
	b.UpdatedAt = now
	m.books[bookID] = b
	return nil
}

func (m *MemoryStore) ListChapters(_ context.Context, bookID string) ([]domain.Chapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chapters := m.chapters[bookID]
	res := make([]domain.Chapter, len(chapters))
	copy(res, chapters)
	return res, nil
}

func pairKey(userID, bookID string) string {
	return userID + "|" + bookID
}

var _ Store = (*MemoryStore)(nil)
