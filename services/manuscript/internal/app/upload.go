package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"pagecraft/internal/util"
	"pagecraft/pkg/domain"
)

// UploadManuscript stores a manuscript for the book and points the book at it.
// Only the book's author or an admin may upload.
func (a *App) UploadManuscript(ctx context.Context, caller domain.Caller, bookID, filename string, r io.Reader, size int64) (domain.Book, error) {
	book, err := a.authorizedBook(ctx, caller, bookID)
	if err != nil {
		return domain.Book{}, err
	}
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return domain.Book{}, fmt.Errorf("%w: filename required", ErrInvalidRequest)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !a.allowedExtensions[ext] {
		return domain.Book{}, fmt.Errorf("%w: %q", ErrUnsupportedFile, ext)
	}
	if size > a.maxManuscriptBytes {
		return domain.Book{}, ErrFileTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(r, a.maxManuscriptBytes+1))
	if err != nil {
		return domain.Book{}, fmt.Errorf("%w: read upload: %v", ErrInvalidRequest, err)
	}
	if int64(len(data)) > a.maxManuscriptBytes {
		return domain.Book{}, ErrFileTooLarge
	}
	if len(data) == 0 {
		return domain.Book{}, fmt.Errorf("%w: empty file", ErrInvalidRequest)
	}
	if ext == ".pdf" {
		if err := validatePDF(data); err != nil {
			return domain.Book{}, err
		}
	}

	key := manuscriptKey(book.ID, filename)
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := a.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return domain.Book{}, fmt.Errorf("%w: save file: %v", ErrStorage, err)
	}
	if err := a.store.SetManuscript(ctx, book.ID, key); err != nil {
		return domain.Book{}, fmt.Errorf("%w: save manuscript reference: %v", ErrPersistence, err)
	}
	if book.ManuscriptKey != "" && book.ManuscriptKey != key {
		if err := a.objects.Delete(ctx, book.ManuscriptKey); err != nil {
			util.LoggerFromContext(ctx).Warn("manuscript_old_object_delete_failed", "book_id", book.ID, "key", book.ManuscriptKey, "err", err)
		}
	}
	util.LoggerFromContext(ctx).Info("manuscript_uploaded", "book_id", book.ID, "key", key, "bytes", len(data))

	book.ManuscriptKey = key
	return book, nil
}

// validatePDF requires a parseable document with at least one page.
func validatePDF(data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidPDF, r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	if reader.NumPage() < 1 {
		return fmt.Errorf("%w: no pages", ErrInvalidPDF)
	}
	return nil
}

func manuscriptKey(bookID, filename string) string {
	name := sanitizeFilename(filepath.Base(filename))
	if name == "" || strings.HasPrefix(name, ".") {
		name = "manuscript" + strings.ToLower(filepath.Ext(filename))
	}
	return path.Join("manuscripts", bookID, name)
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		if r <= 0x7f {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '_' {
				b.WriteRune(r)
				lastUnderscore = false
				continue
			}
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
