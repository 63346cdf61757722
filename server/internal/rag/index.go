package rag

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// Hit 是一条检索结果。Score 越大越相关。
type Hit struct {
	Rank    int     `json:"rank"`
	Score   float64 `json:"score"`
	Text    string  `json:"text"`
	Source  string  `json:"source"`
	ChunkID int     `json:"chunk_id"`
}

// Retriever 按查询返回前 k 条结果。
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Hit, error)
}

// BuildStats 是一次建索引的统计。
type BuildStats struct {
	Files  int
	Chunks int
}

// Index 是基于 SQLite FTS5 的文档索引，按 bm25 排序。
type Index struct {
	db *sql.DB
}

// OpenIndex 打开（必要时创建）索引文件。
func OpenIndex(dbPath string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	idx := &Index{db: db}
	if err := idx.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

func (i *Index) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE VIRTUAL TABLE IF NOT EXISTS chunks USING fts5(
  text,
  source UNINDEXED,
  chunk_id UNINDEXED,
  tokenize = 'porter unicode61'
);
`
	if _, err := i.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create chunks table: %w", err)
	}
	return nil
}

func (i *Index) Close() error { return i.db.Close() }

// Build 读取 docsDir 下所有 .md 文件，切块后整体替换索引内容。
func (i *Index) Build(ctx context.Context, docsDir string, chunkSize, overlap int) (BuildStats, error) {
	var paths []string
	err := filepath.WalkDir(docsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".md") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return BuildStats{}, fmt.Errorf("walk docs: %w", err)
	}
	sort.Strings(paths)

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return BuildStats{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return BuildStats{}, fmt.Errorf("reset chunks: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (text, source, chunk_id) VALUES (?, ?, ?)`)
	if err != nil {
		return BuildStats{}, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	var stats BuildStats
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return BuildStats{}, fmt.Errorf("read %s: %w", path, err)
		}
		rel, err := filepath.Rel(docsDir, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		rel = filepath.ToSlash(rel)
		for id, chunk := range Chunk(string(data), chunkSize, overlap) {
			if _, err := stmt.ExecContext(ctx, chunk, rel, id); err != nil {
				return BuildStats{}, fmt.Errorf("insert chunk %s#%d: %w", rel, id, err)
			}
			stats.Chunks++
		}
		stats.Files++
	}
	if err := tx.Commit(); err != nil {
		return BuildStats{}, fmt.Errorf("commit: %w", err)
	}
	return stats, nil
}

// Count 返回索引中的块数。
func (i *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := i.db.QueryRowContext(ctx, `SELECT count(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// Retrieve 用 bm25 检索前 k 个块。查询里没有可用词时返回空结果。
func (i *Index) Retrieve(ctx context.Context, query string, k int) ([]Hit, error) {
	match := matchExpr(query)
	if match == "" || k <= 0 {
		return []Hit{}, nil
	}
	rows, err := i.db.QueryContext(ctx, `
SELECT text, source, chunk_id, bm25(chunks) AS score
FROM chunks
WHERE chunks MATCH ?
ORDER BY score
LIMIT ?`, match, k)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	hits := make([]Hit, 0, k)
	for rows.Next() {
		var h Hit
		var bm25 float64
		if err := rows.Scan(&h.Text, &h.Source, &h.ChunkID, &bm25); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		// bm25() 越小越相关，取负数让分数越大越好。
		h.Score = -bm25
		h.Rank = len(hits) + 1
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return hits, nil
}

var (
	tokenRe    = regexp.MustCompile(`[\p{L}\p{N}]+`)
	blankLines = regexp.MustCompile(`\n{3,}`)
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "of": true, "to": true, "in": true,
	"is": true, "it": true, "on": true, "for": true, "with": true, "or": true, "at": true,
}

// matchExpr 把自由文本转成 FTS5 查询：去重后的词各自加引号再用 OR 连接，避免语法字符出错。
func matchExpr(query string) string {
	seen := make(map[string]bool)
	var terms []string
	for _, tok := range tokenRe.FindAllString(strings.ToLower(query), -1) {
		if len(tok) < 2 || stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		terms = append(terms, `"`+tok+`"`)
	}
	return strings.Join(terms, " OR ")
}

// Chunk 按字符数切块并保留 overlap 个字符的重叠。
func Chunk(text string, size, overlap int) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSpace(blankLines.ReplaceAllString(text, "\n\n"))
	if text == "" || size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(text)
	var chunks []string
	for start := 0; start < len(runes); {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
		start = end - overlap
	}
	return chunks
}
