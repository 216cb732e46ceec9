package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/PaulBabatuyi/attachvault/internal/config"
	"github.com/PaulBabatuyi/attachvault/internal/ingest"
	"github.com/PaulBabatuyi/attachvault/internal/models"
)

type ingestedView struct {
	ID          string   `json:"id"`
	Filename    string   `json:"filename"`
	MimeType    string   `json:"mime_type"`
	Size        int64    `json:"size"`
	Fingerprint string   `json:"fingerprint"`
	State       string   `json:"state"`
	Duplicates  []string `json:"duplicates,omitempty"`
}

func newIngestCmd(cfg *config.Config) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Validate, scan and store files as one upload batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch := make([]ingest.File, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				batch = append(batch, ingest.File{Name: filepath.Base(path), Data: data})
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.ingest.Ingest(cmd.Context(), batch, owner)
			if err != nil {
				return err
			}
			out := make([]ingestedView, 0, len(items))
			for _, it := range items {
				out = append(out, ingestedView{
					ID:          it.Record.ID,
					Filename:    it.Record.OriginalFilename,
					MimeType:    it.Record.MimeType,
					Size:        it.Record.Size,
					Fingerprint: it.Record.Fingerprint,
					State:       string(it.Record.State),
					Duplicates:  it.Duplicates,
				})
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "owner of the uploaded files")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

type resolvedView struct {
	ID            string         `json:"id"`
	Filename      string         `json:"filename"`
	MimeType      string         `json:"mime_type"`
	Size          int64          `json:"size"`
	State         string         `json:"state"`
	Category      string         `json:"category,omitempty"`
	ExtractedText string         `json:"extracted_text,omitempty"`
	ExtractedData map[string]any `json:"extracted_data,omitempty"`
	IsExpired     bool           `json:"is_expired"`
	Warning       string         `json:"warning,omitempty"`
}

func newResolveCmd(cfg *config.Config) *cobra.Command {
	var (
		requester string
		output    string
	)

	cmd := &cobra.Command{
		Use:   "resolve <id>...",
		Short: "Resolve attachments for a requester, waiting for processing to finish",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if output != "" {
				if len(args) != 1 {
					return fmt.Errorf("--output takes exactly one attachment id")
				}
				data, err := a.resolver.Content(cmd.Context(), args[0], requester)
				if err != nil {
					return err
				}
				return os.WriteFile(output, data, 0o600)
			}

			resolved, err := a.resolver.Resolve(cmd.Context(), args, requester)
			if err != nil {
				return err
			}
			out := make([]resolvedView, 0, len(resolved))
			for _, r := range resolved {
				out = append(out, view(r))
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&requester, "owner", "", "identity of the requester")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the decrypted content of a single attachment to this path")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func view(r models.ResolvedAttachment) resolvedView {
	return resolvedView{
		ID:            r.ID,
		Filename:      r.Filename,
		MimeType:      r.MimeType,
		Size:          r.Size,
		State:         string(r.State),
		Category:      string(r.Category),
		ExtractedText: r.ExtractedText,
		ExtractedData: r.ExtractedData,
		IsExpired:     r.IsExpired,
		Warning:       r.Warning,
	}
}
