package search

import (
	"bufio"
	"bytes"
	_ "embed"
	"io"
	"os"
	"strings"
)

//go:embed faqdata/coaching_faq.md
var defaultFAQ []byte

// Entry is one FAQ item. Free-standing paragraphs have no Question.
type Entry struct {
	Topic    string
	Question string
	Answer   string
}

// Text is the entry as presented to the model.
func (e Entry) Text() string {
	q, a := strings.TrimSpace(e.Question), strings.TrimSpace(e.Answer)
	switch {
	case q == "":
		return a
	case a == "":
		return q
	default:
		return q + " " + a
	}
}

// ParseFAQ reads FAQ markdown. "## " headings set the topic; "Q:"/"A:" lines
// form entries; table rows are flattened to one entry per row; any other
// paragraph becomes an answer-only entry.
func ParseFAQ(r io.Reader) ([]Entry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		out   []Entry
		topic string
		cur   Entry
		para  []string
	)
	flushPara := func() {
		if len(para) > 0 {
			out = append(out, Entry{Topic: topic, Answer: strings.Join(para, " ")})
			para = nil
		}
	}
	flushEntry := func() {
		if cur.Question != "" || cur.Answer != "" {
			cur.Topic = topic
			out = append(out, cur)
		}
		cur = Entry{}
	}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			flushPara()
		case strings.HasPrefix(line, "#"):
			flushPara()
			flushEntry()
			level := len(line) - len(strings.TrimLeft(line, "#"))
			if level >= 2 {
				topic = strings.TrimSpace(line[level:])
			}
		case hasPrefixFold(line, "q:"):
			flushPara()
			flushEntry()
			cur.Question = strings.TrimSpace(line[2:])
		case hasPrefixFold(line, "a:"):
			flushPara()
			cur.Answer = strings.TrimSpace(line[2:])
			flushEntry()
		case strings.HasPrefix(line, "|") && strings.HasSuffix(line, "|"):
			flushPara()
			if row := tableRow(line); row != "" {
				out = append(out, Entry{Topic: topic, Answer: row})
			}
		default:
			para = append(para, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flushPara()
	flushEntry()
	return out, nil
}

// LoadFAQ builds an index from the markdown at path, or from the bundled
// coaching FAQ when path is empty.
func LoadFAQ(path string, opts ...Option) (Index, error) {
	raw := defaultFAQ
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return New(nil, opts...), err
		}
		raw = b
	}
	entries, err := ParseFAQ(bytes.NewReader(raw))
	if err != nil {
		return New(nil, opts...), err
	}
	return New(entries, opts...), nil
}

// tableRow joins non-empty cells; separator rows yield "".
func tableRow(line string) string {
	cols := strings.Split(strings.Trim(line, "|"), "|")
	cells := make([]string, 0, len(cols))
	sep := true
	for _, c := range cols {
		cell := strings.TrimSpace(c)
		if strings.Trim(cell, ":- ") != "" {
			sep = false
		}
		if cell != "" {
			cells = append(cells, cell)
		}
	}
	if sep {
		return ""
	}
	return strings.Join(cells, " ")
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
