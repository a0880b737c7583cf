package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "completion [bash|zsh|fish]",
		Short: "Generate shell completion script",
		Long: `Generate shell completion script for mastiff.

To load completions:

Bash:
  $ source <(mastiff completion bash)

Zsh:
  $ source <(mastiff completion zsh)

Fish:
  $ mastiff completion fish > ~/.config/fish/completions/mastiff.fish
`,
		ValidArgs:             []string{"bash", "zsh", "fish"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		DisableFlagsInUseLine: true,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				rootCmd.GenBashCompletion(out)
			case "zsh":
				rootCmd.GenZshCompletion(out)
			case "fish":
				rootCmd.GenFishCompletion(out, true)
			}
		},
	})
}
