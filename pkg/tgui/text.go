package tgui

// TruncRunes shortens s to at most n runes, appending "…" when anything was
// cut. Counting runes keeps multi-byte names intact.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i] + "…"
		}
		count++
	}
	return s
}
