package app

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"pagecraft/pkg/domain"
)

var author = domain.Caller{UserID: "author-1", Role: domain.RoleAuthor}

func TestUploadManuscriptStoresPDF(t *testing.T) {
	a, st, objects := newTestApp(t, staticExtractor(threeChapters))
	ctx := context.Background()
	data := minimalPDF()

	book, err := a.UploadManuscript(ctx, author, "book-1", "My Novel (final).pdf", bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	wantKey := "manuscripts/book-1/My_Novel_final_.pdf"
	if book.ManuscriptKey != wantKey {
		t.Fatalf("key = %q, want %q", book.ManuscriptKey, wantKey)
	}
	if !objects.has(wantKey) {
		t.Fatalf("object %q not stored", wantKey)
	}
	if objects.has(testManuscriptKey) {
		t.Fatalf("previous manuscript should be deleted")
	}
	if objects.types[wantKey] != "application/pdf" {
		t.Fatalf("content type = %q", objects.types[wantKey])
	}
	stored, _, _ := st.GetBook(ctx, "book-1")
	if stored.ManuscriptKey != wantKey {
		t.Fatalf("stored key = %q", stored.ManuscriptKey)
	}
}

func TestUploadManuscriptValidation(t *testing.T) {
	st := seedStore(t)
	a, err := New(Config{
		Store:              st,
		Objects:            newMemObjects(),
		Extractor:          staticExtractor("[]"),
		MaxManuscriptBytes: 1024,
		AllowedExtensions:  []string{"pdf", ".TXT"},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ctx := context.Background()
	upload := func(caller domain.Caller, bookID, name string, body []byte) error {
		_, err := a.UploadManuscript(ctx, caller, bookID, name, bytes.NewReader(body), int64(len(body)))
		return err
	}

	cases := []struct {
		name   string
		caller domain.Caller
		bookID string
		file   string
		body   []byte
		want   error
	}{
		{name: "reader", caller: domain.Caller{UserID: "reader-1", Role: domain.RoleReader}, bookID: "book-1", file: "a.pdf", body: minimalPDF(), want: ErrForbidden},
		{name: "missing book", caller: author, bookID: "nope", file: "a.pdf", body: minimalPDF(), want: ErrBookNotFound},
		{name: "extension", caller: author, bookID: "book-1", file: "a.exe", body: []byte("MZ"), want: ErrUnsupportedFile},
		{name: "too large", caller: author, bookID: "book-1", file: "a.txt", body: []byte(strings.Repeat("x", 2048)), want: ErrFileTooLarge},
		{name: "not a pdf", caller: author, bookID: "book-1", file: "a.pdf", body: []byte("plain text pretending"), want: ErrInvalidPDF},
		{name: "empty", caller: author, bookID: "book-1", file: "a.txt", body: nil, want: ErrInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := upload(tc.caller, tc.bookID, tc.file, tc.body); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	if err := upload(domain.Caller{UserID: "ops", Role: domain.RoleAdmin}, "book-1", "notes.txt", []byte("Chapter one.")); err != nil {
		t.Fatalf("admin text upload: %v", err)
	}
}

func TestManuscriptKey(t *testing.T) {
	cases := map[string]string{
		"draft.pdf":          "manuscripts/b/draft.pdf",
		"../../etc/passwd":   "manuscripts/b/passwd",
		"日本語.pdf":            "manuscripts/b/manuscript.pdf",
		"  spaced name.txt ": "manuscripts/b/spaced_name.txt",
	}
	for in, want := range cases {
		if got := manuscriptKey("b", in); got != want {
			t.Fatalf("manuscriptKey(%q) = %q, want %q", in, got, want)
		}
	}
}
