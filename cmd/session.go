package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/datalayer-validator/api/schemas"
	"github.com/xkilldash9x/datalayer-validator/internal/store"
	"github.com/xkilldash9x/datalayer-validator/internal/validator"
)

func newSessionCmd(provider storeProvider) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Create and inspect validation sessions",
	}
	sessionCmd.AddCommand(newSessionCreateCmd(provider))
	sessionCmd.AddCommand(newSessionListCmd(provider))
	return sessionCmd
}

func newSessionCreateCmd(provider storeProvider) *cobra.Command {
	var (
		target        string
		engine        string
		description   string
		referencePath string
	)

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new session and print it as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			e, err := schemas.ParseEngine(strings.ToLower(engine))
			if err != nil {
				return err
			}
			record := &schemas.Session{
				URL:         strings.TrimSpace(target),
				Engine:      e,
				Description: strings.TrimSpace(description),
				Status:      schemas.StatusPending,
			}
			if referencePath != "" {
				raw, err := os.ReadFile(referencePath)
				if err != nil {
					return fmt.Errorf("failed to read reference document: %w", err)
				}
				if err := validator.ValidateReferenceDocument(raw); err != nil {
					return fmt.Errorf("invalid reference document: %w", err)
				}
				record.Reference = json.RawMessage(raw)
			}

			repo, cleanup, err := provider.Create(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			defer cleanup()

			if err := repo.CreateSession(ctx, record); err != nil {
				return fmt.Errorf("failed to create session: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), record)
		},
	}

	createCmd.Flags().StringVarP(&target, "url", "u", "", "Start URL of the session (required)")
	_ = createCmd.MarkFlagRequired("url")
	createCmd.Flags().StringVarP(&engine, "browser", "b", "chromium", "Browser engine: chromium, firefox or webkit")
	createCmd.Flags().StringVarP(&description, "description", "d", "", "Free text description")
	createCmd.Flags().StringVarP(&referencePath, "reference", "r", "", "Path to the reference dataLayer JSON document")
	return createCmd
}

func newSessionListCmd(provider storeProvider) *cobra.Command {
	var (
		status string
		search string
		page   int
	)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			repo, cleanup, err := provider.Create(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			defer cleanup()

			sessions, err := repo.ListSessions(ctx, store.SessionFilter{
				Status: schemas.SessionStatus(status),
				Search: search,
				Page:   page,
			})
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tBROWSER\tURL\tCREATED")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Status, s.Engine, s.URL, s.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	listCmd.Flags().StringVar(&status, "status", "", "Only sessions in this status")
	listCmd.Flags().StringVarP(&search, "search", "s", "", "Case-insensitive match on url or description")
	listCmd.Flags().IntVarP(&page, "page", "p", 1, "Page number, 10 sessions per page")
	return listCmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
