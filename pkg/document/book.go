package document

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

var (
	// ErrPageOutOfRange is returned for page numbers outside 1..PageCount
	ErrPageOutOfRange = errors.New("page out of range")

	// ErrLastPage is returned by Next on the final page
	ErrLastPage = errors.New("already on the last page")
)

// PageSeparator splits pages in plain-text exports (pdftotext emits a form
// feed after every page).
const PageSeparator = "\f"

// Book is a paged text document with a current page. Pages are 1-based.
// It is safe for concurrent use.
type Book struct {
	mu        sync.RWMutex
	pages     []string
	current   int
	listeners []func(page int)
}

// Parse splits text into pages on form feeds. A trailing empty page left by
// the final separator is dropped.
func Parse(text string) *Book {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	pages := strings.Split(text, PageSeparator)
	if len(pages) > 1 && strings.TrimSpace(pages[len(pages)-1]) == "" {
		pages = pages[:len(pages)-1]
	}
	for i, p := range pages {
		pages[i] = strings.TrimSpace(p)
	}
	return &Book{pages: pages, current: 1}
}

func Open(path string) (*Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return Parse(string(data)), nil
}

func (b *Book) PageText(page int) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if page < 1 || page > len(b.pages) {
		return "", fmt.Errorf("%w: %d of %d", ErrPageOutOfRange, page, len(b.pages))
	}
	return b.pages[page-1], nil
}

func (b *Book) CurrentPage() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

func (b *Book) PageCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pages)
}

// OnPageChange registers f to be called after every page change.
func (b *Book) OnPageChange(f func(page int)) {
	b.mu.Lock()
	b.listeners = append(b.listeners, f)
	b.mu.Unlock()
}

// GoTo makes page current. Listeners are notified only when the page changes.
func (b *Book) GoTo(page int) error {
	b.mu.Lock()
	if page < 1 || page > len(b.pages) {
		n := len(b.pages)
		b.mu.Unlock()
		return fmt.Errorf("%w: %d of %d", ErrPageOutOfRange, page, n)
	}
	if page == b.current {
		b.mu.Unlock()
		return nil
	}
	b.current = page
	listeners := append([]func(int){}, b.listeners...)
	b.mu.Unlock()

	for _, f := range listeners {
		f(page)
	}
	return nil
}

func (b *Book) Next() (int, error) {
	page := b.CurrentPage() + 1
	if page > b.PageCount() {
		return b.CurrentPage(), ErrLastPage
	}
	return page, b.GoTo(page)
}

func (b *Book) Previous() (int, error) {
	page := b.CurrentPage() - 1
	if page < 1 {
		return b.CurrentPage(), fmt.Errorf("%w: %d", ErrPageOutOfRange, page)
	}
	return page, b.GoTo(page)
}
