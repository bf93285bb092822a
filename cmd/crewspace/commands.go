package main

import (
	"fmt"
	"log"
	"time"

	"crewspace/api/internal/cascade"
	"crewspace/api/internal/config"
	"crewspace/api/internal/store"
	"github.com/spf13/cobra"
)

func newCmdMigrate() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			db, err := store.Open(cmd.Context(), cfg.DatabaseURL, cfg.DBMaxOpenConns)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()

			applied, err := store.ApplyMigrations(cmd.Context(), db, cfg.MigrationsDir)
			if err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			log.Printf("crewspace: applied %d migrations", len(applied))
			return nil
		},
	}
}

func newCmdWatch() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch WORKSPACE_ID",
		Short: "Open a live session and log every cache change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			actor, err := rt.actor(cmd)
			if err != nil {
				return err
			}

			sess, err := rt.service.Open(cmd.Context(), actor, args[0])
			if err != nil {
				return err
			}
			defer sess.Close()
			if err := sess.WaitLoaded(cmd.Context()); err != nil {
				return err
			}
			status := sess.Status()
			log.Printf("crewspace: workspace %s loaded (%s)", args[0], status.Mode)

			watcher := sess.Watch(256)
			defer watcher.Close()
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case change := <-watcher.C():
					if change.Table == "" {
						log.Printf("crewspace: cache reloaded")
						continue
					}
					log.Printf("crewspace: %s %s/%s", change.Op, change.Table, change.ID)
				case <-ticker.C:
					if next := sess.Status(); next.Mode != status.Mode {
						log.Printf("crewspace: session %s -> %s", status.Mode, next.Mode)
						status = next
					}
				}
			}
		},
	}
	return cmd
}

func newCmdDeleteWorkspace() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-workspace WORKSPACE_ID",
		Short: "Delete a workspace and everything in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(cmd, cascade.Root{Kind: cascade.KindWorkspace, ID: args[0]})
		},
	}
	cmd.Flags().String("confirm", "", fmt.Sprintf("Type %q to confirm a delete that removes tasks or projects", cascade.ConfirmationPhrase))
	cmd.Flags().Bool("dry-run", false, "Only print what would be deleted")
	return cmd
}

func newCmdDeleteProject() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-project PROJECT_ID",
		Short: "Delete a project and its content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(cmd, cascade.Root{Kind: cascade.KindProject, ID: args[0]})
		},
	}
	cmd.Flags().String("confirm", "", fmt.Sprintf("Type %q to confirm a delete that removes tasks", cascade.ConfirmationPhrase))
	cmd.Flags().Bool("dry-run", false, "Only print what would be deleted")
	return cmd
}

func runDelete(cmd *cobra.Command, root cascade.Root) error {
	rt, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close()
	actor, err := rt.actor(cmd)
	if err != nil {
		return err
	}

	closure, needsConfirm, err := rt.service.PreviewDelete(cmd.Context(), actor, root)
	if err != nil {
		return err
	}
	log.Printf("crewspace: deleting %s %q removes %d rows", root.Kind, closure.Name, closure.Size())
	for _, table := range root.Steps() {
		if n := closure.Count(table); n > 0 {
			log.Printf("crewspace:   %-20s %d", table, n)
		}
	}
	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		return nil
	}

	confirmation, _ := cmd.Flags().GetString("confirm")
	if needsConfirm && confirmation != cascade.ConfirmationPhrase {
		return fmt.Errorf("this delete needs --confirm %s", cascade.ConfirmationPhrase)
	}

	var result cascade.Result
	switch root.Kind {
	case cascade.KindWorkspace:
		result, err = rt.service.DeleteWorkspace(cmd.Context(), actor, root.ID, confirmation)
	default:
		result, err = rt.service.DeleteProject(cmd.Context(), actor, root.ID, confirmation)
	}
	if err != nil {
		return err
	}
	for _, step := range result.Steps {
		log.Printf("crewspace: deleted %d %s", step.Deleted, step.Table)
	}
	return nil
}

func newCmdReindex() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the Meilisearch indexes from PostgreSQL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.meili == nil {
				return fmt.Errorf("MEILI_URL is not set")
			}
			if !rt.meili.Healthy() {
				return fmt.Errorf("meilisearch is unreachable at %s", rt.cfg.MeiliURL)
			}
			rt.search.ReindexAllFromPG(cmd.Context())
			return nil
		},
	}
}
