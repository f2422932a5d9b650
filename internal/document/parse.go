package document

// Sentence delimiters. Any one of them ends a sentence; whitespace
// that follows a delimiter belongs to the next sentence's lead.
func isDelimiter(c byte) bool {
	return c == '.' || c == '!' || c == '?'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

type boundary struct {
	start     int
	textStart int
	end       int
}

// parseSentences walks text once and produces the ordered boundary
// list. Trailing text without a delimiter becomes a final sentence;
// empty input produces no sentences.
func parseSentences(text string) []boundary {
	var out []boundary
	n := len(text)
	start := 0
	i := 0
	for i < n {
		if isDelimiter(text[i]) {
			out = append(out, makeBoundary(text, start, i+1))
			i++
			start = i
			continue
		}
		i++
	}
	if start < n {
		b := makeBoundary(text, start, n)
		// A pure-whitespace tail is lead with no sentence behind it.
		if b.textStart < b.end {
			out = append(out, b)
		}
	}
	return out
}

func makeBoundary(text string, start, end int) boundary {
	textStart := start
	for textStart < end && isSpace(text[textStart]) {
		textStart++
	}
	return boundary{start: start, textStart: textStart, end: end}
}

type carryLock struct {
	id    int64
	start int
	user  string
}

// reparse rebuilds the sentence index from the materialised text. The
// conservative stable-id rule applies: every sentence is renumbered,
// except that each carried lock keeps its id on the sentence whose
// lead starts where the locked one did (falling back to the sentence
// covering that offset when lengths moved).
func (d *Document) reparse(carries []carryLock) {
	text := d.table.Text()
	bounds := parseSentences(text)

	claimed := make(map[int]*carryLock, len(carries))
	for i := range carries {
		c := &carries[i]
		idx := -1
		for j, b := range bounds {
			if b.start == c.start {
				idx = j
				break
			}
		}
		if idx < 0 {
			for j, b := range bounds {
				if c.start < b.end {
					idx = j
					break
				}
			}
		}
		if idx < 0 && len(bounds) > 0 {
			idx = len(bounds) - 1
		}
		for idx >= 0 && idx < len(bounds) && claimed[idx] != nil {
			idx++
		}
		if idx >= 0 && idx < len(bounds) {
			claimed[idx] = c
		}
	}

	sentences := make([]*Sentence, len(bounds))
	for i, b := range bounds {
		s := &Sentence{Start: b.start, TextStart: b.textStart, End: b.end}
		if c := claimed[i]; c != nil {
			s.ID = c.id
			s.locked = true
			s.lockedBy = c.user
		} else {
			d.nextID++
			s.ID = d.nextID
		}
		sentences[i] = s
	}
	d.sentences = sentences
}
