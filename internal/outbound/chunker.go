package outbound

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// SplitBlocks breaks text into delivery blocks no wider than limit display
// cells, preferring splits at paragraph boundaries, then line boundaries,
// then word boundaries, and only cutting mid-word when a single word exceeds
// the limit. Fenced code blocks are kept intact across splits by re-opening
// the fence in the following block.
func SplitBlocks(text string, limit int) []string {
	if limit <= 0 || displayWidth(text) <= limit {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var blocks []string
	var cur strings.Builder
	curWidth := 0
	openFence := ""

	flush := func() {
		if cur.Len() == 0 {
			return
		}
		block := strings.TrimRight(cur.String(), "\n")
		if openFence != "" {
			block += "\n```"
		}
		blocks = append(blocks, block)
		cur.Reset()
		curWidth = 0
		if openFence != "" {
			cur.WriteString(openFence + "\n")
			curWidth = displayWidth(openFence) + 1
		}
	}

	for _, para := range strings.Split(text, "\n\n") {
		paraWidth := displayWidth(para)
		sep := 2 // the "\n\n" that would join this paragraph on
		if cur.Len() == 0 {
			sep = 0
		}

		if curWidth+sep+paraWidth > limit && cur.Len() > 0 {
			flush()
			sep = 0
		}

		if paraWidth <= limit-curWidth-sep {
			if sep > 0 {
				cur.WriteString("\n\n")
				curWidth += 2
			}
			cur.WriteString(para)
			curWidth += paraWidth
			openFence = trackFence(openFence, para)
			continue
		}

		// Paragraph alone exceeds the limit: fall back to line splits.
		for _, line := range strings.Split(para, "\n") {
			lineWidth := displayWidth(line)
			lsep := 1
			if cur.Len() == 0 {
				lsep = 0
			}
			if curWidth+lsep+lineWidth > limit && cur.Len() > 0 {
				flush()
				lsep = 0
			}
			if lineWidth <= limit-curWidth-lsep {
				if lsep > 0 {
					cur.WriteString("\n")
					curWidth++
				}
				cur.WriteString(line)
				curWidth += lineWidth
				openFence = trackFence(openFence, line)
				continue
			}
			// Single line exceeds the limit: split on words, then runes.
			for _, piece := range splitLine(line, limit) {
				if curWidth+displayWidth(piece) > limit && cur.Len() > 0 {
					flush()
				}
				cur.WriteString(piece)
				curWidth += displayWidth(piece)
			}
		}
	}
	flush()
	return blocks
}

// splitLine cuts one overlong line into pieces of at most limit cells,
// preferring word boundaries.
func splitLine(line string, limit int) []string {
	var pieces []string
	var cur strings.Builder
	curWidth := 0

	for _, word := range strings.SplitAfter(line, " ") {
		w := displayWidth(word)
		if curWidth+w > limit && cur.Len() > 0 {
			pieces = append(pieces, cur.String())
			cur.Reset()
			curWidth = 0
		}
		if w > limit {
			// A single word wider than the limit gets cut on rune boundaries.
			for _, r := range word {
				rw := runewidth.RuneWidth(r)
				if curWidth+rw > limit && cur.Len() > 0 {
					pieces = append(pieces, cur.String())
					cur.Reset()
					curWidth = 0
				}
				cur.WriteRune(r)
				curWidth += rw
			}
			continue
		}
		cur.WriteString(word)
		curWidth += w
	}
	if cur.Len() > 0 {
		pieces = append(pieces, cur.String())
	}
	return pieces
}

// trackFence follows ``` fence state across a segment so a split inside a
// code block can be re-opened on the next block. Returns the open fence
// header ("```" or "```lang") or "" when no fence is open after segment.
func trackFence(open, segment string) string {
	for _, line := range strings.Split(segment, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			continue
		}
		if open == "" {
			open = trimmed
		} else {
			open = ""
		}
	}
	return open
}

func displayWidth(s string) int {
	// Widths accumulate per line; the widest cell count in a multi-line
	// string isn't what channel limits measure — they count total payload —
	// so this sums everything, counting newlines as one.
	return runewidth.StringWidth(s) + strings.Count(s, "\n")
}
