package moderation

// rejectedRanges lists the Unicode ranges refused by the script gate. The
// ranges are enumerated explicitly rather than via unicode.RangeTable lookups
// so that code points above the last range, emoji included, fall through and
// pass.
var rejectedRanges = []struct{ lo, hi rune }{
	{0x0400, 0x04FF}, // Cyrillic
	{0x0590, 0x05FF}, // Hebrew
	{0x0600, 0x06FF}, // Arabic
	{0x0900, 0x097F}, // Devanagari
	{0x3040, 0x30FF}, // Hiragana and Katakana
	{0x3400, 0x4DBF}, // CJK extension A
	{0x4E00, 0x9FFF}, // CJK unified ideographs
	{0xAC00, 0xD7AF}, // Hangul syllables
	{0xFF00, 0xFFEF}, // Halfwidth and fullwidth forms
}

// hasRejectedScript returns true if body contains at least one character
// inside a rejected range.
func hasRejectedScript(body string) bool {
	for _, r := range body {
		for _, rr := range rejectedRanges {
			if r >= rr.lo && r <= rr.hi {
				return true
			}
		}
	}
	return false
}
