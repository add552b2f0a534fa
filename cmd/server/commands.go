package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/sumire/testgen/internal/config"
	"github.com/sumire/testgen/internal/domain"
	"github.com/sumire/testgen/internal/repository"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, db *sqlx.DB) error {
				applied, err := repository.Migrate(ctx, db)
				if err != nil {
					return err
				}
				if len(applied) == 0 {
					fmt.Println("database is up to date")
					return nil
				}
				for _, v := range applied {
					fmt.Println("applied", v)
				}
				return nil
			})
		},
	}
}

func projectsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "projects", Short: "Inspect project aggregates"}

	var asJSON bool
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "output JSON")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects with generation counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, db *sqlx.DB) error {
				projects, err := repository.NewProjectRepository(db).List(ctx)
				if err != nil {
					return err
				}
				return writeProjects(cmd.OutOrStdout(), projects, asJSON)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <key>",
		Short: "Show a single project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(cmd.Context(), func(ctx context.Context, db *sqlx.DB) error {
				p, err := repository.NewProjectRepository(db).Get(ctx, strings.ToUpper(args[0]))
				if errors.Is(err, domain.ErrNotFound) {
					return fmt.Errorf("project %s not found", strings.ToUpper(args[0]))
				}
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), p)
				}
				return writeProjects(cmd.OutOrStdout(), []domain.Project{*p}, false)
			})
		},
	})
	return cmd
}

func writeProjects(w io.Writer, projects []domain.Project, asJSON bool) error {
	if asJSON {
		return writeJSON(w, projects)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Key", "Created By", "Generations", "First", "Last"})
	for _, p := range projects {
		tw.AppendRow(table.Row{
			p.Key,
			p.CreatedBy,
			p.TotalGenerations,
			p.FirstGeneratedAt.Format("2006-01-02 15:04"),
			p.LastGeneratedAt.Format("2006-01-02 15:04"),
		})
	}
	tw.Render()
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func withDB(ctx context.Context, fn func(ctx context.Context, db *sqlx.DB) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	driver, dsn, err := config.LoadDatabase()
	if err != nil {
		return err
	}
	db, err := repository.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	return fn(ctx, db)
}
