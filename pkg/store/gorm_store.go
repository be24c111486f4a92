package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"pagecraft/internal/util"
	"pagecraft/pkg/domain"
)

const migrateLockID int64 = 51130417

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&BookModel{}, &ChapterModel{}, &PurchaseModel{}, &CouponModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM chapter_models c
				WHERE NOT EXISTS (SELECT 1 FROM book_models b WHERE b.id = c.book_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'chapter_models'
					AND constraint_name = 'chapter_models_book_id_fkey'
				) THEN
					ALTER TABLE chapter_models
					ADD CONSTRAINT chapter_models_book_id_fkey
					FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure chapter foreign key: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveBook stores or updates a book.
func (s *GormStore) SaveBook(ctx context.Context, b domain.Book) error {
	model := bookToModel(b)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"author_id", "title", "price", "manuscript_key", "updated_at"}),
	}).Create(&model).Error
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(ctx context.Context, id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// SetManuscript points the book at a newly uploaded manuscript object.
func (s *GormStore) SetManuscript(ctx context.Context, bookID, key string) error {
	return s.updateBook(ctx, bookID, map[string]any{
		"manuscript_key": key,
		"updated_at":     time.Now().UTC(),
	})
}

// SetIngestStatus records the segmentation state of a book.
func (s *GormStore) SetIngestStatus(ctx context.Context, bookID string, status domain.IngestStatus, errMsg string) error {
	return s.updateBook(ctx, bookID, map[string]any{
		"ingest_status": string(status),
		"ingest_error":  errMsg,
		"updated_at":    time.Now().UTC(),
	})
}

func (s *GormStore) updateBook(ctx context.Context, bookID string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&BookModel{}).Where("id = ?", bookID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertPurchase writes a pending purchase keyed by (user, book).
// A completed purchase for the same pair is never overwritten.
func (s *GormStore) UpsertPurchase(ctx context.Context, p domain.Purchase) error {
	model := purchaseToModel(p)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "book_id"}},
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Neq{Column: clause.Column{Table: "purchase_models", Name: "status"}, Value: string(domain.PurchaseCompleted)},
		}},
		DoUpdates: clause.AssignmentColumns([]string{
			"amount", "original_amount", "coupon_code", "payu_txnid",
			"transaction_id", "status", "callback_payload", "updated_at",
		}),
	}).Create(&model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPurchaseCompleted
	}
	return nil
}

// GetPurchaseByTxnID looks up a purchase by the transaction id sent to the gateway.
func (s *GormStore) GetPurchaseByTxnID(ctx context.Context, txnID string) (domain.Purchase, bool, error) {
	return s.firstPurchase(s.db.WithContext(ctx), "payu_txnid = ?", txnID)
}

// GetPurchase returns the purchase row of a (user, book) pair.
func (s *GormStore) GetPurchase(ctx context.Context, userID, bookID string) (domain.Purchase, bool, error) {
	return s.firstPurchase(s.db.WithContext(ctx), "user_id = ? AND book_id = ?", userID, bookID)
}

func (s *GormStore) firstPurchase(tx *gorm.DB, query string, args ...any) (domain.Purchase, bool, error) {
	var model PurchaseModel
	if err := tx.Where(query, args...).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Purchase{}, false, nil
		}
		return domain.Purchase{}, false, err
	}
	return purchaseFromModel(model), true, nil
}

// ListPurchasesByUser returns a user's purchases, optionally filtered by status.
func (s *GormStore) ListPurchasesByUser(ctx context.Context, userID string, status domain.PurchaseStatus) ([]domain.Purchase, error) {
	tx := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("updated_at DESC")
	if status != "" {
		tx = tx.Where("status = ?", string(status))
	}
	var models []PurchaseModel
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Purchase, 0, len(models))
	for _, m := range models {
		res = append(res, purchaseFromModel(m))
	}
	return res, nil
}

// ApplyPurchaseOutcome finalizes a pending purchase under a one-way latch.
func (s *GormStore) ApplyPurchaseOutcome(ctx context.Context, outcome domain.PurchaseOutcome) (domain.Purchase, bool, error) {
	var (
		purchase     domain.Purchase
		transitioned bool
	)
	payload, err := json.Marshal(outcome.Payload)
	if err != nil {
		return domain.Purchase{}, false, fmt.Errorf("encode callback payload: %w", err)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&PurchaseModel{}).
			Where("payu_txnid = ? AND status = ?", outcome.TxnID, string(domain.PurchasePending)).
			Updates(map[string]any{
				"status":           string(outcome.Status),
				"transaction_id":   outcome.GatewayTxnID,
				"callback_payload": payload,
				"updated_at":       time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		transitioned = res.RowsAffected == 1
		var ok bool
		purchase, ok, err = s.firstPurchase(tx, "payu_txnid = ?", outcome.TxnID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		if transitioned && outcome.Status == domain.PurchaseCompleted && purchase.CouponCode != "" {
			if err := tx.Model(&CouponModel{}).
				Where("code = ?", purchase.CouponCode).
				Updates(map[string]any{
					"uses_count": gorm.Expr("uses_count + 1"),
					"updated_at": time.Now().UTC(),
				}).Error; err != nil {
				return fmt.Errorf("consume coupon: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.Purchase{}, false, err
	}
	return purchase, transitioned, nil
}

// SaveCoupon stores or updates a coupon.
func (s *GormStore) SaveCoupon(ctx context.Context, c domain.Coupon) error {
	model := couponToModel(c)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"discount_type", "discount_value", "min_purchase", "max_uses", "expires_at", "active", "updated_at",
		}),
	}).Create(&model).Error
}

// GetCouponByCode looks up a coupon by its normalized code.
func (s *GormStore) GetCouponByCode(ctx context.Context, code string) (domain.Coupon, bool, error) {
	var model CouponModel
	if err := s.db.WithContext(ctx).First(&model, "code = ?", normalizeCouponCode(code)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Coupon{}, false, nil
		}
		return domain.Coupon{}, false, err
	}
	return couponFromModel(model), true, nil
}

// ReplaceChapters replaces all chapters for a book and updates its chapter count.
func (s *GormStore) ReplaceChapters(ctx context.Context, bookID string, chapters []domain.Chapter) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&BookModel{}).Where("id = ?", bookID).Updates(map[string]any{
			"total_chapters": len(chapters),
			"updated_at":     time.Now().UTC(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Delete(&ChapterModel{}, "book_id = ?", bookID).Error; err != nil {
			return err
		}
		if len(chapters) == 0 {
			return nil
		}
		models := make([]ChapterModel, 0, len(chapters))
		for _, chapter := range chapters {
			model := chapterToModel(chapter)
			model.BookID = bookID
			models = append(models, model)
		}
		return tx.CreateInBatches(&models, 100).Error
	})
}

// ListChapters returns a book's chapters ordered by number.
func (s *GormStore) ListChapters(ctx context.Context, bookID string) ([]domain.Chapter, error) {
	var models []ChapterModel
	if err := s.db.WithContext(ctx).Where("book_id = ?", bookID).Order("chapter_number ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	chapters := make([]domain.Chapter, 0, len(models))
	for _, model := range models {
		chapters = append(chapters, chapterFromModel(model))
	}
	return chapters, nil
}

func normalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func bookToModel(b domain.Book) BookModel {
	status := string(b.IngestStatus)
	if status == "" {
		status = string(domain.IngestIdle)
	}
	return BookModel{
		ID:            b.ID,
		AuthorID:      b.AuthorID,
		Title:         b.Title,
		Price:         b.Price,
		ManuscriptKey: b.ManuscriptKey,
		TotalChapters: b.TotalChapters,
		IngestStatus:  status,
		IngestError:   b.IngestError,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:            m.ID,
		AuthorID:      m.AuthorID,
		Title:         m.Title,
		Price:         m.Price,
		ManuscriptKey: m.ManuscriptKey,
		TotalChapters: m.TotalChapters,
		IngestStatus:  domain.IngestStatus(m.IngestStatus),
		IngestError:   m.IngestError,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func purchaseToModel(p domain.Purchase) PurchaseModel {
	id := p.ID
	if id == "" {
		id = util.NewID()
	}
	original := p.OriginalAmount
	if original.IsZero() {
		original = p.Amount
	}
	return PurchaseModel{
		ID:             id,
		UserID:         p.UserID,
		BookID:         p.BookID,
		Amount:         p.Amount,
		OriginalAmount: original,
		CouponCode:     p.CouponCode,
		PayuTxnID:      p.TxnID,
		TransactionID:  p.GatewayTxnID,
		Status:         string(p.Status),
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func purchaseFromModel(m PurchaseModel) domain.Purchase {
	return domain.Purchase{
		ID:             m.ID,
		UserID:         m.UserID,
		BookID:         m.BookID,
		Amount:         m.Amount,
		OriginalAmount: m.OriginalAmount,
		CouponCode:     m.CouponCode,
		TxnID:          m.PayuTxnID,
		GatewayTxnID:   m.TransactionID,
		Status:         domain.PurchaseStatus(m.Status),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func couponToModel(c domain.Coupon) CouponModel {
	id := c.ID
	if id == "" {
		id = util.NewID()
	}
	now := time.Now().UTC()
	return CouponModel{
		ID:            id,
		Code:          normalizeCouponCode(c.Code),
		DiscountType:  string(c.DiscountType),
		DiscountValue: c.DiscountValue,
		MinPurchase:   c.MinPurchase,
		MaxUses:       c.MaxUses,
		UsesCount:     c.UsesCount,
		ExpiresAt:     c.ExpiresAt,
		Active:        c.Active,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func couponFromModel(m CouponModel) domain.Coupon {
	return domain.Coupon{
		ID:            m.ID,
		Code:          m.Code,
		DiscountType:  domain.DiscountType(m.DiscountType),
		DiscountValue: m.DiscountValue,
		MinPurchase:   m.MinPurchase,
		MaxUses:       m.MaxUses,
		UsesCount:     m.UsesCount,
		ExpiresAt:     m.ExpiresAt,
		Active:        m.Active,
	}
}

func chapterToModel(c domain.Chapter) ChapterModel {
	id := c.ID
	if id == "" {
		id = util.NewID()
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return ChapterModel{
		ID:            id,
		BookID:        c.BookID,
		ChapterNumber: c.ChapterNumber,
		Title:         c.Title,
		Content:       c.Content,
		CreatedAt:     createdAt,
	}
}

func chapterFromModel(m ChapterModel) domain.Chapter {
	return domain.Chapter{
		ID:            m.ID,
		BookID:        m.BookID,
		ChapterNumber: m.ChapterNumber,
		Title:         m.Title,
		Content:       m.Content,
		CreatedAt:     m.CreatedAt,
	}
}

var _ Store = (*GormStore)(nil)
