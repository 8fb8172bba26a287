package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/MegaGrindStone/mardata-chat/internal/models"
	"github.com/spf13/cobra"
)

func newNotebooksCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "notebooks",
		Short: "List your notebooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			notebooks, err := a.api.Notebooks(cmd.Context())
			if err != nil {
				return err
			}
			printNotebooks(cmd, notebooks)
			return nil
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <notebook-id>",
		Short: "Delete a notebook on the backend and from the local archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.api.DeleteNotebook(cmd.Context(), args[0]); err != nil {
				return err
			}
			if db := a.openArchive(); db != nil {
				defer db.Close()
				if err := db.DeleteNotebook(cmd.Context(), args[0]); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func newUploadCmd(a *app) *cobra.Command {
	var problem string

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a data file and start its analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if problem == "" {
				return fmt.Errorf("%w: --problem is required", models.ErrValidation)
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("error opening file: %w", err)
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return fmt.Errorf("error reading file: %w", err)
			}

			out := cmd.OutOrStdout()
			res, err := a.api.Upload(cmd.Context(), models.UploadRequest{
				BusinessProblem: problem,
				Filename:        filepath.Base(args[0]),
				Body:            f,
				Size:            info.Size(),
			}, func(pct float64) {
				fmt.Fprintf(out, "\rUploading %3.0f%%", pct)
			})
			fmt.Fprintln(out)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "Notebook: %s\n", res.SessionID)
			if res.Message != "" {
				fmt.Fprintln(out, res.Message)
			}
			if res.AIInsight != "" {
				fmt.Fprintf(out, "\n%s\n", res.AIInsight)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&problem, "problem", "p", "", "business problem the analysis should answer")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history [notebook-id]",
		Short: "Show archived notebooks, or the archived transcript of one, without contacting the backend",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db := a.openArchive()
			if db == nil {
				return errors.New("archive is unavailable")
			}
			defer db.Close()

			if len(args) == 0 {
				notebooks, err := db.Notebooks(cmd.Context())
				if err != nil {
					return err
				}
				printNotebooks(cmd, notebooks)
				return nil
			}

			nb, found, err := db.Notebook(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("notebook %s is not archived", args[0])
			}
			messages, err := db.Messages(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n\n", nb.Title)
			p := newTranscriptPrinter(cmd.OutOrStdout())
			for _, m := range messages {
				p.printMessage(m)
			}
			return nil
		},
	}
}

func printNotebooks(cmd *cobra.Command, notebooks []models.Notebook) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tFILES\tCREATED")
	for _, nb := range notebooks {
		created := ""
		if !nb.CreatedAt.IsZero() {
			created = nb.CreatedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", nb.ID, nb.Title, len(nb.Files), created)
	}
	w.Flush()
}
