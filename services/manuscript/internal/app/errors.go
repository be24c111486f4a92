package app

import "errors"

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrForbidden        = errors.New("forbidden")
	ErrBookNotFound     = errors.New("book not found")
	ErrNoManuscript     = errors.New("no manuscript uploaded")
	ErrIngestInProgress = errors.New("segmentation already in progress")
	ErrStorage          = errors.New("could not download manuscript")
	ErrExtraction       = errors.New("ai extraction failed")
	ErrParse            = errors.New("failed to parse extracted chapters")
	ErrEmptyResult      = errors.New("no chapters extracted")
	ErrPersistence      = errors.New("persistence error")
	ErrUnsupportedFile  = errors.New("unsupported manuscript type")
	ErrFileTooLarge     = errors.New("manuscript too large")
	ErrInvalidPDF       = errors.New("manuscript is not a readable PDF")
	ErrQueueUnavailable = errors.New("segmentation queue not configured")
	ErrJobNotFound      = errors.New("job not found")
)
