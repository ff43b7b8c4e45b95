package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jmcleod/latchkey/crypto"
)

// checkUnwrap unwraps wrappedHex with secret and reports only the length of
// the recovered key. The key is destroyed before returning.
func checkUnwrap(secret *crypto.SharedSecret, wrappedHex string, w io.Writer) error {
	key, err := secret.UnwrapKey(wrappedHex)
	if err != nil {
		return err
	}
	n := key.Len()
	key.Destroy()
	_, err = fmt.Fprintf(w, "ok: unwrapped a %d-byte session key\n", n)
	return err
}

var unwrapCheckCmd = &cobra.Command{
	Use:   "unwrap-check",
	Short: "Verify the configured shared secret against a wrapped ticket key",
	Long: `Unwrap a hex-encoded ticket key with the configured platform secret.
Only the recovered key length is printed; the key itself is never shown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, nil)
		if err != nil {
			return err
		}
		if err := cfg.Platform.ValidateSecret(); err != nil {
			return err
		}
		secret, err := cfg.Platform.SharedSecret()
		if err != nil {
			return err
		}
		wrapped, _ := cmd.Flags().GetString("wrapped")
		return checkUnwrap(secret, wrapped, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(unwrapCheckCmd)
	unwrapCheckCmd.Flags().String("wrapped", "", "Hex-encoded wrapped ticket key")
	_ = unwrapCheckCmd.MarkFlagRequired("wrapped")
}
