package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lisa-ai/lisa/gateway/auth"
	"github.com/lisa-ai/lisa/pkg/cli"
)

func newHashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret [token]",
		Short: "Print a bcrypt hash of a shared token for auth.secret",
		Long: "Prints a bcrypt hash that can replace a plain shared token in auth.secret. " +
			"Without an argument the token is read from the terminal without echo.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) > 0 {
				token = args[0]
			} else {
				p := &cli.Prompter{In: cmd.InOrStdin(), Out: cmd.ErrOrStderr()}
				token = p.AskSecret("Token", "")
			}
			if token == "" {
				return errors.New("token must not be empty")
			}
			hash, err := auth.HashSecret(token)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
