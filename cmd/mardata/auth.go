package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newLoginCmd(a *app) *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and save the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := bufio.NewReader(cmd.InOrStdin())

			if username == "" {
				fmt.Fprint(cmd.OutOrStdout(), "Email: ")
				line, err := readLine(in)
				if err != nil {
					return err
				}
				username = line
			}

			fmt.Fprint(cmd.OutOrStdout(), "Password: ")
			password, err := readPassword(in)
			fmt.Fprintln(cmd.OutOrStdout())
			if err != nil {
				return err
			}

			if err := a.api.Login(cmd.Context(), username, password); err != nil {
				return err
			}

			user := a.session.User()
			if user.Email != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", user.Email)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "Signed in")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "account email")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and remove the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.api.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
}

// readPassword reads without echo when stdin is a terminal.
func readPassword(in *bufio.Reader) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("error reading password: %w", err)
		}
		return string(b), nil
	}
	return readLine(in)
}

func readLine(in *bufio.Reader) (string, error) {
	line, err := in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("error reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
