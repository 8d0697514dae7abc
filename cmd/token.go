package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// newTokenCmd creates the `token` command group, which manages the data
// repository token in the OS keyring.
func newTokenCmd(d *deps) *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the data repository token in the OS keyring",
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Store the token read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scanner := bufio.NewScanner(cmd.InOrStdin())
			var token string
			if scanner.Scan() {
				token = strings.TrimSpace(scanner.Text())
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("failed to read token: %w", err)
			}
			if token == "" {
				return errors.New("no token on stdin")
			}
			if err := d.saveToken(d.cfg.Storage, token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token stored in keyring service %q.\n", d.cfg.Storage.KeyringService)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := d.deleteToken(d.cfg.Storage); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token removed.")
			return nil
		},
	}

	tokenCmd.AddCommand(setCmd, deleteCmd)
	return tokenCmd
}
