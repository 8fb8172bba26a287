package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/MegaGrindStone/mardata-chat/internal/chat"
	"github.com/MegaGrindStone/mardata-chat/internal/models"
	"github.com/spf13/cobra"
)

func newChatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <notebook-id>",
		Short: "Open a notebook and chat with it interactively; type /quit to leave",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			notebookID := args[0]

			var archive chat.Archive
			if db := a.openArchive(); db != nil {
				defer db.Close()
				archive = db
			}

			conversation := a.synchronizer(archive)
			defer conversation.Clear()

			p := newTranscriptPrinter(cmd.OutOrStdout())
			unsubscribe := conversation.Subscribe(p.update)
			defer unsubscribe()

			if err := conversation.Hydrate(cmd.Context(), notebookID); err != nil && errors.Is(err, models.ErrLoad) {
				return err
			}

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "/quit" {
					break
				}
				// Errors are printed as part of the transcript.
				_ = conversation.Send(cmd.Context(), notebookID, line)
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("error reading input: %w", err)
			}
			return nil
		},
	}
}
