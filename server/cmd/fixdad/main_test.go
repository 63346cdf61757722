package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"fixdad/server/internal/rag"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["index"])
	assert.True(t, names["version"])
}

// 场景：index 子命令从 markdown 目录建索引，之后可以检索到内容。
func TestIndexCommandBuildsIndex(t *testing.T) {
	docs := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(docs, "toilet.md"),
		[]byte("# Running toilet\n\nReplace the flapper when the toilet keeps running."), 0o644))
	dbPath := filepath.Join(t.TempDir(), "index.db")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"index", "--docs", docs, "--db", dbPath})
	require.NoError(t, root.ExecuteContext(context.Background()))

	idx, err := rag.OpenIndex(dbPath)
	require.NoError(t, err)
	defer idx.Close()
	hits, err := idx.Retrieve(context.Background(), "flapper", 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "toilet.md", hits[0].Source)
}
