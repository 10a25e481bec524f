package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	ingestTenant      string
	ingestDocID       string
	ingestContentType string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Ingest a document synchronously",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := buildApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		path := args[0]
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		docID := ingestDocID
		if docID == "" {
			docID = uuid.NewString()
		}
		contentType := ingestContentType
		if contentType == "" {
			contentType = guessContentType(path)
		}

		res, err := a.ingest.ProcessContent(cmd.Context(), docID, ingestTenant, raw, contentType)
		if err != nil {
			return err
		}
		fmt.Printf("document %s: %s (%d chunks)\n", res.DocumentID, res.Status, res.ChunkCount)
		if res.ErrorMessage != "" {
			fmt.Printf("error: %s\n", res.ErrorMessage)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestTenant, "tenant", "t", "default", "tenant id")
	ingestCmd.Flags().StringVar(&ingestDocID, "id", "", "document id (generated when empty)")
	ingestCmd.Flags().StringVar(&ingestContentType, "type", "", "content type override")
}

func guessContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".md", ".markdown":
		return "text/markdown"
	case ".txt", "":
		return "text/plain"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "text/plain"
}
