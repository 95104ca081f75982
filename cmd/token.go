package cmd

import (
	"fmt"

	"github.com/samber/do"
	"github.com/spf13/cobra"

	"github.com/tidelake/compute-plane/internal/auth"
)

func newTokenCommand(i *do.Injector) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and inspect control-protocol tokens",
	}

	cmd.AddCommand(
		newTokenIssueCommand(i),
		newTokenVerifyCommand(i),
		newTokenKeySetCommand(i),
	)

	return cmd
}

func newTokenIssueCommand(i *do.Injector) *cobra.Command {
	var (
		scope      string
		endpointID string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a token with the configured private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			signer, err := do.Invoke[*auth.Signer](i)
			if err != nil {
				return fmt.Errorf("failed to get signer: %w", err)
			}

			claims := &auth.Claims{Scope: auth.Scope(scope)}
			if auth.Scope(scope) == auth.ScopeAdmin {
				claims.Audience = []string{auth.Audience}
			} else {
				claims.SubjectEndpoint = endpointID
			}

			token, err := signer.Sign(claims)
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}

			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&scope, "scope", string(auth.ScopeTenantEndpoint), "Scope to embed in the token.")
	cmd.Flags().StringVar(&endpointID, "endpoint-id", "", "Endpoint the token is restricted to. Required for endpoint scope.")

	return cmd
}

func newTokenVerifyCommand(i *do.Injector) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <token>",
		Short: "Verify a token against the configured public keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			verifier, err := do.Invoke[*auth.SwappableVerifier](i)
			if err != nil {
				return fmt.Errorf("failed to get verifier: %w", err)
			}

			claims, err := verifier.Verify(args[0])
			if err != nil {
				return err
			}

			return printJSON(claims)
		},
	}
}

func newTokenKeySetCommand(i *do.Injector) *cobra.Command {
	return &cobra.Command{
		Use:   "keyset",
		Short: "Print the verification key set for the signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			signer, err := do.Invoke[*auth.Signer](i)
			if err != nil {
				return fmt.Errorf("failed to get signer: %w", err)
			}
			public, err := signer.PublicKey()
			if err != nil {
				return err
			}

			return printJSON(auth.KeySetFromPublicKey(public))
		},
	}
}
