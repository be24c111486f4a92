package app

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"pagecraft/internal/alert"
	"pagecraft/internal/lock"
	"pagecraft/internal/util"
	"pagecraft/pkg/ai"
	"pagecraft/pkg/domain"
	"pagecraft/pkg/queue"
	"pagecraft/pkg/storage"
	"pagecraft/pkg/store"
)

const (
	defaultExtractTimeout     = 5 * time.Minute
	defaultMaxManuscriptBytes = 50 << 20
)

// Locker hands out per-book leases so one manuscript is segmented at a time.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (*lock.Lease, error)
}

// JobQueue accepts asynchronous segmentation jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, bookID string) (queue.Job, error)
	GetJob(ctx context.Context, jobID string) (queue.Job, bool, error)
}

// Config holds runtime configuration for the manuscript core.
type Config struct {
	Store              store.Store
	Objects            storage.ObjectStore
	Extractor          ai.DocumentExtractor
	Locker             Locker
	Queue              JobQueue
	Alerter            *alert.Alerter
	ExtractTimeout     time.Duration
	MaxManuscriptBytes int64
	AllowedExtensions  []string
}

// App segments uploaded manuscripts into chapters.
type App struct {
	store              store.Store
	objects            storage.ObjectStore
	extractor          ai.DocumentExtractor
	locker             Locker
	queue              JobQueue
	alerter            *alert.Alerter
	extractTimeout     time.Duration
	maxManuscriptBytes int64
	allowedExtensions  map[string]bool
}

// New constructs the manuscript core.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("manuscript store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	if cfg.Extractor == nil {
		return nil, errors.New("document extractor required")
	}
	timeout := cfg.ExtractTimeout
	if timeout <= 0 {
		timeout = defaultExtractTimeout
	}
	maxBytes := cfg.MaxManuscriptBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxManuscriptBytes
	}
	exts := cfg.AllowedExtensions
	if len(exts) == 0 {
		exts = []string{".pdf"}
	}
	allowed := make(map[string]bool, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		allowed[ext] = true
	}
	return &App{
		store:              cfg.Store,
		objects:            cfg.Objects,
		extractor:          cfg.Extractor,
		locker:             cfg.Locker,
		queue:              cfg.Queue,
		alerter:            cfg.Alerter,
		extractTimeout:     timeout,
		maxManuscriptBytes: maxBytes,
		allowedExtensions:  allowed,
	}, nil
}

// SegmentAs authorizes caller against the book and runs Segment.
func (a *App) SegmentAs(ctx context.Context, caller domain.Caller, bookID string) (int, error) {
	if _, err := a.authorizedBook(ctx, caller, bookID); err != nil {
		return 0, err
	}
	return a.Segment(ctx, bookID)
}

// Segment extracts the chapters of a book's manuscript and replaces the
// stored chapter set. Stored chapters are untouched unless extraction and
// parsing both succeed.
func (a *App) Segment(ctx context.Context, bookID string) (int, error) {
	bookID = strings.TrimSpace(bookID)
	if bookID == "" {
		return 0, fmt.Errorf("%w: book_id required", ErrInvalidRequest)
	}
	book, err := a.loadBook(ctx, bookID)
	if err != nil {
		return 0, err
	}
	if !book.HasManuscript() {
		return 0, ErrNoManuscript
	}

	logger := util.LoggerFromContext(ctx).With("book_id", bookID)
	var lease *lock.Lease
	if a.locker != nil {
		lease, err = a.locker.Acquire(ctx, "segment:"+bookID, a.extractTimeout+time.Minute)
		if errors.Is(err, lock.ErrHeld) {
			return 0, ErrIngestInProgress
		}
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	// Cleanup must survive cancellation of the request context.
	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := lease.Release(bg); err != nil {
			logger.Warn("segment_lock_release_failed", "err", err)
		}
	}()

	if err := a.store.SetIngestStatus(ctx, bookID, domain.IngestProcessing, ""); err != nil {
		return 0, fmt.Errorf("%w: mark processing: %v", ErrPersistence, err)
	}

	start := time.Now()
	n, err := a.segment(ctx, book)
	if err != nil {
		logger.Error("segment_failed", "err", err, "duration_ms", time.Since(start).Milliseconds())
		if serr := a.store.SetIngestStatus(bg, bookID, domain.IngestFailed, err.Error()); serr != nil {
			logger.Warn("segment_status_update_failed", "err", serr)
		}
		a.observeFailure(bg, bookID)
		return 0, err
	}
	if err := a.store.SetIngestStatus(bg, bookID, domain.IngestReady, ""); err != nil {
		logger.Warn("segment_status_update_failed", "err", err)
	}
	logger.Info("segment_done", "chapters", n, "duration_ms", time.Since(start).Milliseconds())
	return n, nil
}

func (a *App) segment(ctx context.Context, book domain.Book) (int, error) {
	logger := util.LoggerFromContext(ctx).With("book_id", book.ID)

	data, err := a.objects.Get(ctx, book.ManuscriptKey, a.maxManuscriptBytes)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	extractCtx, cancel := context.WithTimeout(ctx, a.extractTimeout)
	defer cancel()
	raw, err := a.extractor.ExtractDocument(extractCtx, segmentInstruction, mimeTypeForKey(book.ManuscriptKey), data)
	if err != nil {
		var upstream *ai.UpstreamError
		if errors.As(err, &upstream) {
			logger.Error("segment_upstream_error", "provider", upstream.Provider, "status", upstream.Status, "body", truncateForLog(upstream.Body))
		}
		return 0, fmt.Errorf("%w: %v", ErrExtraction, err)
	}

	drafts, err := parseDrafts(raw)
	if err != nil {
		logger.Error("segment_parse_failed", "err", err, "raw", truncateForLog(raw))
		return 0, err
	}
	chapters, renumbered := normalizeChapters(book.ID, drafts)
	if renumbered {
		logger.Warn("segment_renumbered", "chapters", len(chapters))
	}

	if err := a.store.ReplaceChapters(ctx, book.ID, chapters); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrBookNotFound
		}
		return 0, fmt.Errorf("%w: replace chapters: %v", ErrPersistence, err)
	}
	return len(chapters), nil
}

// EnqueueSegment schedules segmentation on the worker pool.
func (a *App) EnqueueSegment(ctx context.Context, caller domain.Caller, bookID string) (queue.Job, error) {
	if a.queue == nil {
		return queue.Job{}, ErrQueueUnavailable
	}
	book, err := a.authorizedBook(ctx, caller, bookID)
	if err != nil {
		return queue.Job{}, err
	}
	if !book.HasManuscript() {
		return queue.Job{}, ErrNoManuscript
	}
	job, err := a.queue.Enqueue(ctx, book.ID)
	if err != nil {
		return queue.Job{}, fmt.Errorf("%w: enqueue: %v", ErrPersistence, err)
	}
	return job, nil
}

// GetJob returns a segmentation job to the author of its book or an admin.
func (a *App) GetJob(ctx context.Context, caller domain.Caller, jobID string) (queue.Job, error) {
	if a.queue == nil {
		return queue.Job{}, ErrQueueUnavailable
	}
	job, ok, err := a.queue.GetJob(ctx, strings.TrimSpace(jobID))
	if err != nil {
		return queue.Job{}, fmt.Errorf("%w: load job: %v", ErrPersistence, err)
	}
	if !ok {
		return queue.Job{}, ErrJobNotFound
	}
	if _, err := a.authorizedBook(ctx, caller, job.BookID); err != nil {
		return queue.Job{}, err
	}
	return job, nil
}

// HandleJob is the worker entry point for queued segmentation.
func (a *App) HandleJob(ctx context.Context, job queue.Job) (int, error) {
	return a.Segment(ctx, job.BookID)
}

// ListChapters returns a book's chapters ordered by number.
func (a *App) ListChapters(ctx context.Context, bookID string) ([]domain.Chapter, error) {
	book, err := a.loadBook(ctx, strings.TrimSpace(bookID))
	if err != nil {
		return nil, err
	}
	chapters, err := a.store.ListChapters(ctx, book.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: list chapters: %v", ErrPersistence, err)
	}
	return chapters, nil
}

func (a *App) loadBook(ctx context.Context, bookID string) (domain.Book, error) {
	if bookID == "" {
		return domain.Book{}, fmt.Errorf("%w: book_id required", ErrInvalidRequest)
	}
	book, ok, err := a.store.GetBook(ctx, bookID)
	if err != nil {
		return domain.Book{}, fmt.Errorf("%w: load book: %v", ErrPersistence, err)
	}
	if !ok {
		return domain.Book{}, ErrBookNotFound
	}
	return book, nil
}

// authorizedBook loads the book and checks caller is its author or an admin.
func (a *App) authorizedBook(ctx context.Context, caller domain.Caller, bookID string) (domain.Book, error) {
	book, err := a.loadBook(ctx, strings.TrimSpace(bookID))
	if err != nil {
		return domain.Book{}, err
	}
	if caller.IsAdmin() {
		return book, nil
	}
	if caller.UserID == "" || caller.UserID != book.AuthorID {
		return domain.Book{}, ErrForbidden
	}
	return book, nil
}

func (a *App) observeFailure(ctx context.Context, bookID string) {
	res, err := a.alerter.Observe(ctx, alert.EventSegment, alert.OutcomeFail, bookID)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("segment_alert_observe_failed", "err", err)
		return
	}
	if res.Triggered {
		util.LoggerFromContext(ctx).Warn("segment_alert_triggered",
			"book_id", bookID,
			"count", res.Count,
			"threshold", res.Threshold,
			"window", res.Window.String(),
		)
	}
}

func mimeTypeForKey(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".txt":
		return "text/plain"
	case ".md":
		return "text/markdown"
	case ".epub":
		return "application/epub+zip"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return "application/pdf"
	}
}

// MaxManuscriptBytes is the largest manuscript accepted by UploadManuscript.
func (a *App) MaxManuscriptBytes() int64 {
	return a.maxManuscriptBytes
}
