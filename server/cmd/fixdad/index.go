package main

import (
	"fmt"
	"time"

	"fixdad/server/internal/config"
	"fixdad/server/internal/rag"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newIndexCmd(configPath *string) *cobra.Command {
	var (
		docsDir   string
		dbPath    string
		chunkSize int
		overlap   int
	)

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build the repair-guide search index from markdown docs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if docsDir == "" {
				docsDir = cfg.RAG.DocsDir
			}
			if dbPath == "" {
				dbPath = cfg.RAG.IndexPath
			}
			if chunkSize <= 0 {
				chunkSize = cfg.RAG.ChunkSize
			}
			if overlap < 0 {
				overlap = cfg.RAG.ChunkOverlap
			}

			idx, err := rag.OpenIndex(dbPath)
			if err != nil {
				return err
			}
			defer idx.Close()

			start := time.Now()
			stats, err := idx.Build(cmd.Context(), docsDir, chunkSize, overlap)
			if err != nil {
				return err
			}

			cyan := color.New(color.FgCyan, color.Bold)
			green := color.New(color.FgGreen)
			yellow := color.New(color.FgYellow)

			cyan.Println("Index built")
			fmt.Printf("  docs:   %s\n", docsDir)
			fmt.Printf("  index:  %s\n", dbPath)
			green.Printf("  files:  %d\n", stats.Files)
			green.Printf("  chunks: %d\n", stats.Chunks)
			fmt.Printf("  took:   %s\n", time.Since(start).Round(time.Millisecond))
			if stats.Files == 0 {
				yellow.Println("  no .md files found; solutions will use vision-only answers")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&docsDir, "docs", "", "markdown docs directory (default from config)")
	cmd.Flags().StringVar(&dbPath, "db", "", "index database path (default from config)")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "chunk size in characters (default from config)")
	cmd.Flags().IntVar(&overlap, "overlap", -1, "chunk overlap in characters (default from config)")
	return cmd
}
