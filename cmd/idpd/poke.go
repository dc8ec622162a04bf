package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func commandRoot() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "idpd",
		Short: "idpd is a password-credential OAuth 2.0 / OIDC identity provider",
		Long: `idpd issues and verifies access, refresh, and ID tokens for a
password credential store, and runs the authorization-code grant behind
a cross-subdomain SSO cookie. See the serve subcommand to launch it.`,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
			os.Exit(2)
		},
	}
	rootCmd.AddCommand(commandServe())
	rootCmd.AddCommand(commandVersion())
	return rootCmd
}

func main() {
	if err := commandRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
}
