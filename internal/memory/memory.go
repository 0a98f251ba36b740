// Package memory implements the long-term Memory Store: a per-agent
// workspace directory of dated Markdown notes plus one long-term
// MEMORY.md file, searched with a hybrid BM25 + character-trigram
// ranker. Grounded on the original reference's agent/memory.py.
package memory

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	longTermFile  = "MEMORY.md"
	teaserChars   = 2000
	fallbackChars = 1000

	bm25K1 = 1.2
	bm25B  = 0.75

	trigramWeight = 0.6
	trigramChars  = 2000
)

// Store is a workspace-scoped memory store.
type Store struct {
	workspace string
	memoryDir string
}

// New builds a Store rooted at workspace/memory.
func New(workspace string) *Store {
	dir := filepath.Join(workspace, "memory")
	return &Store{workspace: workspace, memoryDir: dir}
}

func (s *Store) longTermPath() string { return filepath.Join(s.memoryDir, longTermFile) }

func (s *Store) todayPath(now time.Time) string {
	return filepath.Join(s.memoryDir, now.Format("2006-01-02")+".md")
}

// AppendToday appends content to today's dated note, creating the
// file (with a date heading) if it doesn't exist yet.
func (s *Store) AppendToday(content string) error {
	if err := os.MkdirAll(s.memoryDir, 0755); err != nil {
		return err
	}
	now := time.Now()
	path := s.todayPath(now)

	existing, err := os.ReadFile(path)
	var out string
	if err != nil {
		out = fmt.Sprintf("# %s\n\n%s\n", now.Format("2006-01-02"), content)
	} else {
		out = string(existing)
		if !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		out += "\n" + content + "\n"
	}
	return os.WriteFile(path, []byte(out), 0644)
}

// AppendLongTerm appends content to MEMORY.md under a "## <heading>"
// section (no date is added), used by the memory tool's "remember" action for facts that
// should survive beyond today.
func (s *Store) AppendLongTerm(heading, content string) error {
	if err := os.MkdirAll(s.memoryDir, 0755); err != nil {
		return err
	}
	path := s.longTermPath()
	existing, _ := os.ReadFile(path)
	out := string(existing)
	if out != "" && !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	out += fmt.Sprintf("\n## %s\n\n%s\n", heading, content)
	return os.WriteFile(path, []byte(out), 0644)
}

// ReadLongTerm returns MEMORY.md's content, truncated to limit chars
// (0 = unlimited).
func (s *Store) ReadLongTerm(limit int) string {
	data, err := os.ReadFile(s.longTermPath())
	if err != nil {
		return ""
	}
	text := string(data)
	if limit > 0 && len(text) > limit {
		text = text[:limit]
	}
	return text
}

// GetRecentMemories joins the last `days` dated notes (most recent
// last), separated by a horizontal rule.
func (s *Store) GetRecentMemories(days int) string {
	if days <= 0 {
		days = 7
	}
	var parts []string
	now := time.Now()
	for i := days - 1; i >= 0; i-- {
		day := now.AddDate(0, 0, -i)
		data, err := os.ReadFile(s.todayPath(day))
		if err != nil {
			continue
		}
		parts = append(parts, strings.TrimSpace(string(data)))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// chunk is one "#"-delimited section of MEMORY.md.
type chunk struct {
	heading string
	text    string
}

func (s *Store) chunks() []chunk {
	data, err := os.ReadFile(s.longTermPath())
	if err != nil {
		return nil
	}
	lines := strings.Split(string(data), "\n")
	var chunks []chunk
	var cur *chunk
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			if cur != nil {
				chunks = append(chunks, *cur)
			}
			cur = &chunk{heading: line}
			continue
		}
		if cur == nil {
			cur = &chunk{}
		}
		cur.text += line + "\n"
	}
	if cur != nil {
		chunks = append(chunks, *cur)
	}
	return chunks
}

// Search ranks MEMORY.md's chunks against query using BM25 over
// tokens plus a character-trigram Jaccard similarity over the first
// trigramChars of each chunk, and returns the topK highest-scoring
// chunks (score > 0 only).
func (s *Store) Search(query string, topK int) []string {
	if topK <= 0 {
		topK = 3
	}
	chunks := s.chunks()
	if len(chunks) == 0 {
		return nil
	}

	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil
	}
	queryTrigrams := trigramSet(truncate(query, trigramChars))

	docs := make([][]string, len(chunks))
	avgLen := 0.0
	for i, c := range chunks {
		docs[i] = tokenize(c.heading + " " + c.text)
		avgLen += float64(len(docs[i]))
	}
	if len(docs) > 0 {
		avgLen /= float64(len(docs))
	}

	df := make(map[string]int)
	for _, d := range docs {
		seen := make(map[string]bool)
		for _, t := range d {
			if !seen[t] {
				df[t]++
				seen[t] = true
			}
		}
	}

	type scored struct {
		idx   int
		score float64
	}
	var results []scored
	n := float64(len(docs))

	for i, d := range docs {
		bm25 := 0.0
		tf := make(map[string]int)
		for _, t := range d {
			tf[t]++
		}
		dl := float64(len(d))
		for _, qt := range queryTokens {
			f, ok := tf[qt]
			if !ok {
				continue
			}
			docFreq := float64(df[qt])
			idf := 0.0
			if docFreq > 0 {
				idf = logSafe((n-docFreq+0.5)/(docFreq+0.5) + 1)
			}
			num := float64(f) * (bm25K1 + 1)
			den := float64(f) + bm25K1*(1-bm25B+bm25B*dl/avgLenOrOne(avgLen))
			bm25 += idf * num / den
		}

		tri := jaccard(queryTrigrams, trigramSet(truncate(chunks[i].heading+" "+chunks[i].text, trigramChars)))
		score := bm25 + trigramWeight*tri
		if score > 0 {
			results = append(results, scored{idx: i, score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].score > results[j].score })
	if len(results) > topK {
		results = results[:topK]
	}
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = strings.TrimSpace(chunks[r.idx].heading + "\n" + chunks[r.idx].text)
	}
	return out
}

// GetMemoryContext returns the content to splice into the system
// prompt's memory teaser: search results for query, falling back to a
// long-term teaser when there are no hits or no query, plus today's
// notes if any exist.
func (s *Store) GetMemoryContext(query string) string {
	var body string
	if strings.TrimSpace(query) != "" {
		hits := s.Search(query, 3)
		if len(hits) > 0 {
			body = strings.Join(hits, "\n\n")
		} else {
			body = truncate(s.ReadLongTerm(0), fallbackChars)
		}
	} else {
		body = truncate(s.ReadLongTerm(0), teaserChars)
	}

	today, err := os.ReadFile(s.todayPath(time.Now()))
	if err == nil && len(today) > 0 {
		if body != "" {
			body += "\n\n---\n\n" + strings.TrimSpace(string(today))
		} else {
			body = strings.TrimSpace(string(today))
		}
	}
	return body
}

// --- tokenization ---

var (
	englishTokenRe = regexp.MustCompile(`[a-z0-9_+\-]{2,}`)
	cjkBlockRe     = regexp.MustCompile(`[\x{4e00}-\x{9fff}]{2,}`)
)

var englishStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "was": true,
	"were": true, "of": true, "to": true, "and": true, "or": true, "in": true,
	"on": true, "for": true, "with": true, "this": true, "that": true, "it": true,
}

var chineseStopwords = map[string]bool{
	"的": true, "了": true, "是": true, "我": true, "你": true, "他": true,
	"这": true, "那": true, "在": true, "和": true, "与": true,
}

func tokenize(text string) []string {
	lower := strings.ToLower(text)
	var tokens []string
	for _, t := range englishTokenRe.FindAllString(lower, -1) {
		if !englishStopwords[t] {
			tokens = append(tokens, t)
		}
	}
	for _, block := range cjkBlockRe.FindAllString(text, -1) {
		runes := []rune(block)
		for _, r := range runes {
			s := string(r)
			if !chineseStopwords[s] {
				tokens = append(tokens, s)
			}
		}
		for i := 0; i < len(runes)-1; i++ {
			bigram := string(runes[i : i+2])
			tokens = append(tokens, bigram)
		}
	}
	return tokens
}

func trigramSet(text string) map[string]bool {
	runes := []rune(strings.ToLower(text))
	set := make(map[string]bool)
	for i := 0; i+3 <= len(runes); i++ {
		set[string(runes[i:i+3])] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}

func avgLenOrOne(v float64) float64 {
	if v <= 0 {
		return 1
	}
	return v
}

func logSafe(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return math.Log(x)
}
