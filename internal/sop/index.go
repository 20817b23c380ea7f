// Package sop indexes a lab's standard operating procedure documents in a
// SQLite FTS5 table and answers keyword queries with ranked passages.
package sop

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/tinytelemetry/labwatch/internal/model"
)

// ErrIndexEmpty is returned by Query before any document has been indexed.
var ErrIndexEmpty = errors.New("sop: index is empty")

const maxChunkChars = 1200

var (
	docExtensions = map[string]bool{".md": true, ".txt": true}
	wordRegex     = regexp.MustCompile(`[\p{L}\p{N}_]+`)
)

// Stats summarises the last build.
type Stats struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
}

// Index is one lab's SOP search index.
type Index struct {
	mu     sync.RWMutex
	db     *sql.DB
	sopDir string
	stats  Stats
	logger zerolog.Logger
}

// Open opens (or creates) the index database at dbPath for documents under
// sopDir. An empty dbPath keeps the index in memory.
func Open(dbPath, sopDir string, logger zerolog.Logger) (*Index, error) {
	dsn := ":memory:"
	if p := strings.TrimSpace(dbPath); p != "" {
		p = filepath.Clean(p)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("sop: create index dir: %w", err)
		}
		dsn = p + "?" + url.Values{
			"_pragma": []string{
				"busy_timeout(30000)",
				"journal_mode(WAL)",
			},
		}.Encode()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sop: open index: %w", err)
	}
	// A single connection keeps :memory: databases alive and shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ix := &Index{db: db, sopDir: sopDir, logger: logger}
	if err := ix.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ix.loadStats(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *Index) initSchema() error {
	const schema = `CREATE VIRTUAL TABLE IF NOT EXISTS sop_chunks USING fts5(source UNINDEXED, content, tokenize = 'porter unicode61')`
	if _, err := ix.db.Exec(schema); err != nil {
		return fmt.Errorf("sop: init schema: %w", err)
	}
	return nil
}

func (ix *Index) loadStats() error {
	row := ix.db.QueryRow(`SELECT COUNT(DISTINCT source), COUNT(*) FROM sop_chunks`)
	var s Stats
	if err := row.Scan(&s.Documents, &s.Chunks); err != nil {
		return fmt.Errorf("sop: count chunks: %w", err)
	}
	ix.stats = s
	return nil
}

// Close closes the database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Stats returns counts from the most recent build.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.stats
}

// Build replaces the index with the current contents of the SOP directory.
// A missing directory produces an empty index.
func (ix *Index) Build(ctx context.Context) (Stats, error) {
	docs, err := collectDocuments(ix.sopDir)
	if err != nil {
		return Stats{}, err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return Stats{}, fmt.Errorf("sop: begin build: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sop_chunks`); err != nil {
		return Stats{}, fmt.Errorf("sop: clear index: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO sop_chunks (source, content) VALUES (?, ?)`)
	if err != nil {
		return Stats{}, fmt.Errorf("sop: prepare insert: %w", err)
	}
	defer stmt.Close()

	var s Stats
	for _, d := range docs {
		chunks := chunkText(d.content, maxChunkChars)
		if len(chunks) == 0 {
			continue
		}
		s.Documents++
		for _, c := range chunks {
			if _, err := stmt.ExecContext(ctx, d.source, c); err != nil {
				return Stats{}, fmt.Errorf("sop: index %s: %w", d.source, err)
			}
			s.Chunks++
		}
	}
	if err := tx.Commit(); err != nil {
		return Stats{}, fmt.Errorf("sop: commit build: %w", err)
	}

	ix.stats = s
	ix.logger.Info().Int("documents", s.Documents).Int("chunks", s.Chunks).Msg("sop index built")
	return s, nil
}

// Query returns up to limit passages ranked by BM25.
func (ix *Index) Query(ctx context.Context, query string, limit int) ([]model.Passage, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.stats.Chunks == 0 {
		return nil, ErrIndexEmpty
	}
	match := matchExpression(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 3
	}

	rows, err := ix.db.QueryContext(ctx,
		`SELECT source, content, bm25(sop_chunks) FROM sop_chunks WHERE sop_chunks MATCH ? ORDER BY bm25(sop_chunks) LIMIT ?`,
		match, limit)
	if err != nil {
		return nil, fmt.Errorf("sop: query: %w", err)
	}
	defer rows.Close()

	var out []model.Passage
	for rows.Next() {
		var p model.Passage
		var rank float64
		if err := rows.Scan(&p.Source, &p.Content, &rank); err != nil {
			return nil, fmt.Errorf("sop: scan: %w", err)
		}
		p.Score = -rank
		out = append(out, p)
	}
	return out, rows.Err()
}

// matchExpression turns free text into an FTS5 OR query of quoted terms.
func matchExpression(query string) string {
	words := wordRegex.FindAllString(strings.ToLower(query), -1)
	seen := map[string]bool{}
	terms := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) < 2 || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, `"`+w+`"`)
	}
	return strings.Join(terms, " OR ")
}

type document struct {
	source  string
	content string
}

func collectDocuments(dir string) ([]document, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	var docs []document
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !docExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		docs = append(docs, document{source: filepath.ToSlash(rel), content: string(data)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sop: read documents: %w", err)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].source < docs[j].source })
	return docs, nil
}

// chunkText splits text on blank lines and packs paragraphs into chunks of
// at most max characters. A single oversized paragraph becomes its own chunk.
func chunkText(text string, max int) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var (
		chunks []string
		cur    strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(para)+2 > max {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return chunks
}
