package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/linearsync/internal/notify"
)

func NewExtractCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "extract FILE...",
		Short: "Print the issue identifier carried by notification files",
		Long: `Decode each JSON or JSONC notification file and print the Linear issue
identifier the relay would extract from it, or "not found". No network calls
are made.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				n, err := notify.DecodeFile(path)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", err)
					failed++
					continue
				}
				identifier, ok := notify.Extract(n)
				if !ok {
					fmt.Fprintf(out, "%s\tnot found\n", path)
					continue
				}
				fmt.Fprintf(out, "%s\t%s\n", path, identifier)
			}
			if failed > 0 {
				return &ExitError{Code: 2, Err: fmt.Errorf("%d of %d files could not be decoded", failed, len(args))}
			}
			return nil
		},
	}
}
