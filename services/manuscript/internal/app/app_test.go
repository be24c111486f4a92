package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"pagecraft/internal/lock"
	"pagecraft/pkg/ai"
	"pagecraft/pkg/domain"
	"pagecraft/pkg/queue"
	"pagecraft/pkg/store"
)

const threeChapters = "```json\n" + `[
  {"chapter_number": 1, "title": "Departure", "content": "We left at dawn.\n\nNobody waved."},
  {"chapter_number": 2, "title": "The River", "content": "Water everywhere."},
  {"chapter_number": 3, "content": "The end."}
]` + "\n```"

func newTestApp(t *testing.T, ex ai.DocumentExtractor) (*App, *store.MemoryStore, *memObjects) {
	t.Helper()
	st := seedStore(t)
	objects := newMemObjects()
	objects.objects[testManuscriptKey] = []byte("%PDF-1.4 manuscript")
	a, err := New(Config{
		Store:     st,
		Objects:   objects,
		Extractor: ex,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, st, objects
}

func TestSegmentReplacesChapters(t *testing.T) {
	var gotMime, gotInstruction string
	var gotData []byte
	ex := extractorFunc(func(_ context.Context, instruction, mimeType string, data []byte) (string, error) {
		gotInstruction, gotMime, gotData = instruction, mimeType, data
		return threeChapters, nil
	})
	a, st, _ := newTestApp(t, ex)
	ctx := context.Background()
	if err := st.ReplaceChapters(ctx, "book-1", []domain.Chapter{{ChapterNumber: 1, Title: "Old"}}); err != nil {
		t.Fatalf("seed chapters: %v", err)
	}

	n, err := a.Segment(ctx, "book-1")
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	if n != 3 {
		t.Fatalf("n = %d, want 3", n)
	}
	if gotMime != "application/pdf" || string(gotData) != "%PDF-1.4 manuscript" || !strings.Contains(gotInstruction, "chapter_number") {
		t.Fatalf("extractor got mime=%q data=%q", gotMime, gotData)
	}
	chapters, err := a.ListChapters(ctx, "book-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(chapters) != 3 || chapters[0].Title != "Departure" || chapters[2].Title != "Chapter 3" {
		t.Fatalf("chapters = %+v", chapters)
	}
	if chapters[0].Content != "We left at dawn.\n\nNobody waved." {
		t.Fatalf("paragraphs lost: %q", chapters[0].Content)
	}
	book, _, _ := st.GetBook(ctx, "book-1")
	if book.TotalChapters != 3 || book.IngestStatus != domain.IngestReady {
		t.Fatalf("book = %+v", book)
	}
}

func TestSegmentTwiceYieldsSameChapters(t *testing.T) {
	a, st, _ := newTestApp(t, staticExtractor(threeChapters))
	ctx := context.Background()

	if _, err := a.Segment(ctx, "book-1"); err != nil {
		t.Fatalf("first segment: %v", err)
	}
	first, _ := st.ListChapters(ctx, "book-1")
	if _, err := a.Segment(ctx, "book-1"); err != nil {
		t.Fatalf("second segment: %v", err)
	}
	second, _ := st.ListChapters(ctx, "book-1")

	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("rows = %d then %d, want 3 and 3", len(first), len(second))
	}
	for i := range second {
		if first[i].ChapterNumber != second[i].ChapterNumber || first[i].Title != second[i].Title || first[i].Content != second[i].Content {
			t.Fatalf("chapter %d = %+v, want %+v", i, second[i], first[i])
		}
	}
	book, _, _ := st.GetBook(ctx, "book-1")
	if book.TotalChapters != 3 {
		t.Fatalf("total_chapters = %d, want 3", book.TotalChapters)
	}
}

func TestSegmentParseFailureKeepsChapters(t *testing.T) {
	a, st, _ := newTestApp(t, staticExtractor("Sorry, I cannot help with that."))
	ctx := context.Background()
	if err := st.ReplaceChapters(ctx, "book-1", []domain.Chapter{{ChapterNumber: 1, Title: "Kept"}}); err != nil {
		t.Fatalf("seed chapters: %v", err)
	}

	if _, err := a.Segment(ctx, "book-1"); !errors.Is(err, ErrParse) {
		t.Fatalf("err = %v, want ErrParse", err)
	}
	chapters, _ := st.ListChapters(ctx, "book-1")
	if len(chapters) != 1 || chapters[0].Title != "Kept" {
		t.Fatalf("chapters changed: %+v", chapters)
	}
	book, _, _ := st.GetBook(ctx, "book-1")
	if book.IngestStatus != domain.IngestFailed || book.IngestError == "" || book.TotalChapters != 1 {
		t.Fatalf("book = %+v", book)
	}
}

func TestSegmentBlankReplyIsParseFailure(t *testing.T) {
	for name, reply := range map[string]string{"blank": "", "null item": "[null]", "no content": `[{"chapter_number":1,"title":"One"}]`} {
		t.Run(name, func(t *testing.T) {
			a, st, _ := newTestApp(t, staticExtractor(reply))
			ctx := context.Background()
			if err := st.ReplaceChapters(ctx, "book-1", []domain.Chapter{{ChapterNumber: 1, Title: "Kept", Content: "text"}}); err != nil {
				t.Fatalf("seed chapters: %v", err)
			}
			if _, err := a.Segment(ctx, "book-1"); !errors.Is(err, ErrParse) {
				t.Fatalf("err = %v, want ErrParse", err)
			}
			chapters, _ := st.ListChapters(ctx, "book-1")
			if len(chapters) != 1 || chapters[0].Title != "Kept" {
				t.Fatalf("chapters changed: %+v", chapters)
			}
		})
	}
}

func TestSegmentEmptyResult(t *testing.T) {
	a, _, _ := newTestApp(t, staticExtractor("```json\n[]\n```"))
	if _, err := a.Segment(context.Background(), "book-1"); !errors.Is(err, ErrEmptyResult) {
		t.Fatalf("err = %v, want ErrEmptyResult", err)
	}
}

func TestSegmentPreconditions(t *testing.T) {
	called := false
	a, _, _ := newTestApp(t, extractorFunc(func(context.Context, string, string, []byte) (string, error) {
		called = true
		return "[]", nil
	}))
	ctx := context.Background()
	if _, err := a.Segment(ctx, " "); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("blank id err = %v", err)
	}
	if _, err := a.Segment(ctx, "missing"); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("missing book err = %v", err)
	}
	if _, err := a.Segment(ctx, "book-empty"); !errors.Is(err, ErrNoManuscript) {
		t.Fatalf("no manuscript err = %v", err)
	}
	if called {
		t.Fatalf("extractor must not be called when preconditions fail")
	}
}

func TestSegmentStorageFailure(t *testing.T) {
	a, st, objects := newTestApp(t, staticExtractor(threeChapters))
	delete(objects.objects, testManuscriptKey)
	if _, err := a.Segment(context.Background(), "book-1"); !errors.Is(err, ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
	book, _, _ := st.GetBook(context.Background(), "book-1")
	if book.IngestStatus != domain.IngestFailed {
		t.Fatalf("status = %s, want failed", book.IngestStatus)
	}
}

func TestSegmentUpstreamError(t *testing.T) {
	a, _, _ := newTestApp(t, extractorFunc(func(context.Context, string, string, []byte) (string, error) {
		return "", &ai.UpstreamError{Provider: "openai-compat", Status: "402 Payment Required", Body: "out of credits"}
	}))
	if _, err := a.Segment(context.Background(), "book-1"); !errors.Is(err, ErrExtraction) {
		t.Fatalf("err = %v, want ErrExtraction", err)
	}
}

func TestSegmentExtractionTimeout(t *testing.T) {
	st := seedStore(t)
	objects := newMemObjects()
	objects.objects[testManuscriptKey] = []byte("%PDF")
	a, err := New(Config{
		Store:   st,
		Objects: objects,
		Extractor: extractorFunc(func(ctx context.Context, _, _ string, _ []byte) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}),
		ExtractTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	_, err = a.Segment(context.Background(), "book-1")
	if !errors.Is(err, ErrExtraction) {
		t.Fatalf("err = %v, want ErrExtraction", err)
	}
	book, _, _ := st.GetBook(context.Background(), "book-1")
	if book.IngestStatus != domain.IngestFailed {
		t.Fatalf("status = %s, want failed", book.IngestStatus)
	}
}

func TestSegmentRejectsConcurrentRun(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := lock.NewRedisLocker(client, "test:lock")

	st := seedStore(t)
	objects := newMemObjects()
	objects.objects[testManuscriptKey] = []byte("%PDF")
	a, err := New(Config{Store: st, Objects: objects, Extractor: staticExtractor(threeChapters), Locker: locker})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	ctx := context.Background()
	held, err := locker.Acquire(ctx, "segment:book-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := a.Segment(ctx, "book-1"); !errors.Is(err, ErrIngestInProgress) {
		t.Fatalf("err = %v, want ErrIngestInProgress", err)
	}
	if err := held.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	n, err := a.Segment(ctx, "book-1")
	if err != nil || n != 3 {
		t.Fatalf("segment after release = %d, %v", n, err)
	}
	if mr.Exists("test:lock:segment:book-1") {
		t.Fatalf("lock should be released after segment")
	}
}

func TestSegmentAsRequiresAuthorOrAdmin(t *testing.T) {
	a, _, _ := newTestApp(t, staticExtractor(threeChapters))
	ctx := context.Background()
	reader := domain.Caller{UserID: "reader-1", Role: domain.RoleReader}
	if _, err := a.SegmentAs(ctx, reader, "book-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("reader err = %v, want ErrForbidden", err)
	}
	author := domain.Caller{UserID: "author-1", Role: domain.RoleAuthor}
	if n, err := a.SegmentAs(ctx, author, "book-1"); err != nil || n != 3 {
		t.Fatalf("author = %d, %v", n, err)
	}
	admin := domain.Caller{UserID: "someone", Role: domain.RoleAdmin}
	if _, err := a.SegmentAs(ctx, admin, "book-1"); err != nil {
		t.Fatalf("admin err = %v", err)
	}
}

func TestEnqueueSegmentUsesQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{Client: client, Stream: "test:segment", Group: "test", Block: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	st := seedStore(t)
	objects := newMemObjects()
	objects.objects[testManuscriptKey] = []byte("%PDF")
	a, err := New(Config{Store: st, Objects: objects, Extractor: staticExtractor(threeChapters), Queue: q})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	author := domain.Caller{UserID: "author-1", Role: domain.RoleAuthor}
	if _, err := a.EnqueueSegment(ctx, author, "book-empty"); !errors.Is(err, ErrNoManuscript) {
		t.Fatalf("empty book err = %v", err)
	}
	job, err := a.EnqueueSegment(ctx, author, "book-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.Start(ctx, 1, a.HandleJob)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := a.GetJob(ctx, author, job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if got.Status == queue.StatusDone {
			if got.ChaptersExtracted != 3 {
				t.Fatalf("chapters = %d, want 3", got.ChaptersExtracted)
			}
			reader := domain.Caller{UserID: "reader-1", Role: domain.RoleReader}
			if _, err := a.GetJob(ctx, reader, job.ID); !errors.Is(err, ErrForbidden) {
				t.Fatalf("reader err = %v, want ErrForbidden", err)
			}
			admin := domain.Caller{UserID: "someone", Role: domain.RoleAdmin}
			if _, err := a.GetJob(ctx, admin, job.ID); err != nil {
				t.Fatalf("admin err = %v", err)
			}
			return
		}
		if got.Status == queue.StatusFailed {
			t.Fatalf("job failed: %s", got.ErrorMessage)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job did not finish")
}

func TestGetJobWithoutQueue(t *testing.T) {
	a, _, _ := newTestApp(t, staticExtractor(threeChapters))
	if _, err := a.GetJob(context.Background(), domain.Caller{UserID: "author-1"}, "job-1"); !errors.Is(err, ErrQueueUnavailable) {
		t.Fatalf("err = %v, want ErrQueueUnavailable", err)
	}
}
