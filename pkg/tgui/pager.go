package tgui

import "fmt"

// PaginateSlice selects the 0-based page of size items and reports the
// window bounds plus whether neighbouring pages exist.
func PaginateSlice[T any](items []T, page, size int) (sub []T, page2 int, size2 int, from int, to int, hasPrev bool, hasNext bool) {
	if size <= 0 {
		size = 10
	}
	if page < 0 {
		page = 0
	}
	total := len(items)
	from = min(page*size, total)
	to = min(from+size, total)
	return items[from:to], page, size, from, to, page > 0, to < total
}

// PageLabel renders "Page 2/5 • 11-20 of 47" for a 0-based page.
func PageLabel(page, size, total int) string {
	if size <= 0 {
		size = 10
	}
	if total <= 0 {
		return "Page 1/1"
	}
	pages := (total + size - 1) / size
	if page < 0 {
		page = 0
	}
	if page >= pages {
		page = pages - 1
	}
	from := page*size + 1
	to := min((page+1)*size, total)
	return fmt.Sprintf("Page %d/%d • %d-%d of %d", page+1, pages, from, to, total)
}
