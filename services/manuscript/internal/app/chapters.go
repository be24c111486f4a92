package app

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"pagecraft/pkg/domain"
)

// segmentInstruction is sent with every manuscript. The reply is expected to be
// a bare JSON array of chapter objects.
const segmentInstruction = `Split the attached manuscript into its chapters.

Reply with a JSON array only. Each element must be an object with these fields:
- "chapter_number": integer, starting at 1 and increasing by one
- "title": the chapter heading, or "Chapter N" when the manuscript has none
- "content": the full chapter text, with paragraphs separated by a blank line

If the manuscript has no visible chapter breaks, divide it at natural boundaries into 5 to 15 sections of similar length.

Do not add commentary or markdown around the array. Example:
[{"chapter_number":1,"title":"The Beginning","content":"First paragraph.\n\nSecond paragraph."}]`

const rawLogLimit = 500

type chapterDraft struct {
	Number  json.RawMessage `json:"chapter_number"`
	Title   string          `json:"title"`
	Content string          `json:"content"`
}

// stripFences removes a surrounding markdown code fence and any prose around
// the outermost JSON array.
func stripFences(raw string) string {
	out := strings.TrimSpace(raw)
	if strings.HasPrefix(out, "```") {
		out = strings.TrimPrefix(out, "```")
		if nl := strings.IndexByte(out, '\n'); nl >= 0 && !strings.HasPrefix(strings.TrimSpace(out[:nl]), "[") {
			out = out[nl+1:]
		}
		out = strings.TrimSuffix(strings.TrimSpace(out), "```")
		out = strings.TrimSpace(out)
	}
	if !strings.HasPrefix(out, "[") {
		start := strings.IndexByte(out, '[')
		end := strings.LastIndexByte(out, ']')
		if start >= 0 && end > start {
			out = out[start : end+1]
		}
	}
	return out
}

// parseDrafts decodes the model reply. A reply that is valid JSON but not a
// non-empty array yields ErrEmptyResult. Every item must carry content.
func parseDrafts(raw string) ([]chapterDraft, error) {
	cleaned := stripFences(raw)
	var probe any
	if err := json.Unmarshal([]byte(cleaned), &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	items, ok := probe.([]any)
	if !ok || len(items) == 0 {
		return nil, ErrEmptyResult
	}
	var drafts []chapterDraft
	if err := json.Unmarshal([]byte(cleaned), &drafts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	for i, d := range drafts {
		if strings.TrimSpace(d.Content) == "" {
			return nil, fmt.Errorf("%w: item %d has no content", ErrParse, i+1)
		}
	}
	return drafts, nil
}

func draftNumber(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		if f != math.Trunc(f) || f > math.MaxInt32 {
			return 0, false
		}
		return int(f), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// normalizeChapters keeps the model's numbering when it is exactly 1..N and
// otherwise renumbers in reply order. The bool reports a renumbering.
func normalizeChapters(bookID string, drafts []chapterDraft) ([]domain.Chapter, bool) {
	n := len(drafts)
	numbers := make([]int, n)
	seen := make(map[int]bool, n)
	keep := true
	for i, d := range drafts {
		num, ok := draftNumber(d.Number)
		if !ok || num < 1 || num > n || seen[num] {
			keep = false
			break
		}
		seen[num] = true
		numbers[i] = num
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if keep {
		sort.SliceStable(order, func(a, b int) bool { return numbers[order[a]] < numbers[order[b]] })
	}

	chapters := make([]domain.Chapter, 0, n)
	for pos, idx := range order {
		d := drafts[idx]
		num := pos + 1
		title := strings.TrimSpace(d.Title)
		if title == "" {
			title = fmt.Sprintf("Chapter %d", num)
		}
		chapters = append(chapters, domain.Chapter{
			BookID:        bookID,
			ChapterNumber: num,
			Title:         title,
			Content:       strings.TrimSpace(d.Content),
		})
	}
	return chapters, !keep
}

func truncateForLog(s string) string {
	if len(s) <= rawLogLimit {
		return s
	}
	cut := rawLogLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
