package cli

import (
    "github.com/spf13/cobra"

    "github.com/amirimatin/go-consortium/pkg/security/keys"
)

// NewKeysCommand returns "keys generate".
func NewKeysCommand() *cobra.Command {
    parent := &cobra.Command{Use: "keys", Short: "manage member signing keys"}
    var dir string
    gen := &cobra.Command{
        Use:   "generate ID...",
        Short: "Write an ed25519 key pair per member ID",
        Args:  cobra.MinimumNArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            out := make(map[string][2]string, len(args))
            for _, id := range args {
                priv, pub, err := keys.Generate(dir, id)
                if err != nil { return err }
                out[id] = [2]string{priv, pub}
            }
            return printJSON(cmd.OutOrStdout(), out)
        },
    }
    gen.Flags().StringVar(&dir, "dir", ".", "output directory")
    parent.AddCommand(gen)
    return parent
}
