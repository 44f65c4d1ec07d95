package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/portatel/porttrack/internal/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Rule file utilities",
}

var rulesLintCmd = &cobra.Command{
	Use:   "lint [file]",
	Short: "Validate a rule file without activating it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.RulesPath
		if len(args) == 1 {
			path = args[0]
		}

		loaded, err := rules.LoadFile(path)
		if err != nil {
			return err
		}
		ix, err := rules.NewIndex(loaded)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d rules ok\n", path, ix.Len())
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesLintCmd)
	rootCmd.AddCommand(rulesCmd)
}
