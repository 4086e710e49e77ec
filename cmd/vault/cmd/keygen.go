package cmd

import (
	"fmt"
	"strings"

	"digitalvault/pkg/signer"

	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create a signing identity",
	Long: `Generate an Ed25519 signing identity and write it to the configured
signer.key_file. An existing key is never overwritten: losing it makes every
capsule sealed with it unrecoverable.`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

var identityCmd = &cobra.Command{
	Use:     "identity",
	Aliases: []string{"whoami"},
	Short:   "Print the configured signing identity",
	Args:    cobra.NoArgs,
	RunE:    runIdentity,
}

func init() {
	rootCmd.AddCommand(identityCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	if !strings.EqualFold(cfg.Signer.Type, "file") {
		return fmt.Errorf("keygen only writes file identities; signer.type is %q", cfg.Signer.Type)
	}

	priv, err := signer.GenerateKey()
	if err != nil {
		return err
	}
	path := cfg.SignerKeyFile()
	if err := signer.WriteKeyFile(path, priv); err != nil {
		return err
	}
	s, err := signer.NewEd25519Signer(priv)
	if err != nil {
		return err
	}

	PrintSuccess("Identity written to " + path)
	PrintWarning("Back this file up. Capsules sealed with it cannot be opened without it.")
	return printIdentity(s.Identity(), path)
}

func runIdentity(cmd *cobra.Command, args []string) error {
	s, err := newSigner(cmd.Context(), cfg, nil)
	if err != nil {
		return err
	}
	return printIdentity(s.Identity(), cfg.SignerKeyFile())
}

type identityOutput struct {
	Identity string `json:"identity" yaml:"identity"`
	Source   string `json:"source" yaml:"source"`
}

func printIdentity(identity, source string) error {
	if !strings.EqualFold(cfg.Signer.Type, "file") {
		source = "aws:" + cfg.Signer.AWS.SecretID
	}
	return OutputData(identityOutput{Identity: identity, Source: source}, nil)
}
