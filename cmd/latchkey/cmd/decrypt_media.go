package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/latchkey/crypto"
)

// decryptMediaFile decodes the container at inPath and writes the plaintext
// to out. Nothing is written when decoding fails.
func decryptMediaFile(inPath, key string, out io.Writer) (int, error) {
	container, err := os.ReadFile(inPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read container: %w", err)
	}
	plain, err := crypto.DecodeMediaContainer(container, []byte(key))
	if err != nil {
		return 0, err
	}
	return out.Write(plain)
}

var decryptMediaCmd = &cobra.Command{
	Use:   "decrypt-media",
	Short: "Decrypt an encrypted camera image container from disk",
	Long: `Decrypt a downloaded camera image container with its 16-character key.
The plaintext is written to --out, or to stdout when --out is empty.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, _ := cmd.Flags().GetString("in")
		key, _ := cmd.Flags().GetString("key")
		outPath, _ := cmd.Flags().GetString("out")

		if outPath == "" {
			_, err := decryptMediaFile(in, key, cmd.OutOrStdout())
			return err
		}

		f, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("failed to create output: %w", err)
		}
		n, err := decryptMediaFile(in, key, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(outPath)
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", n, outPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(decryptMediaCmd)
	decryptMediaCmd.Flags().String("in", "", "Path to the encrypted container")
	decryptMediaCmd.Flags().String("key", "", "16-character decryption key")
	decryptMediaCmd.Flags().String("out", "", "Output path (default stdout)")
	_ = decryptMediaCmd.MarkFlagRequired("in")
	_ = decryptMediaCmd.MarkFlagRequired("key")
}
