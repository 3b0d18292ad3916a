package cli

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/linearsync/internal/linear"
	"github.com/agentworkforce/linearsync/internal/notify"
	"github.com/agentworkforce/linearsync/internal/relay"
)

func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay FILE...",
		Short: "Run notification files through the sync pipeline once",
		Long: `Decode each JSON or JSONC notification file and run it through the same
filter, resolve and link steps the relay uses, printing the outcome per file.
Use it to re-drive notifications whose sync failed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			client := linear.NewClient(linear.ClientOptions{
				Endpoint:   cfg.Linear.APIURL,
				APIKey:     cfg.Linear.APIKey,
				HTTPClient: &http.Client{Timeout: cfg.Relay.HTTPTimeout},
				Logger:     logger,
			})
			pipeline, err := relay.NewPipeline(relay.PipelineOptions{
				Allowlist: notify.NewAllowlist(cfg.Slack.EmitterIDs),
				Resolver:  client,
				Linker:    client,
				Workspace: cfg.Slack.Workspace,
				Domain:    cfg.Slack.Domain,
				Logger:    logger,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				n, err := notify.DecodeFile(path)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", err)
					failed++
					continue
				}
				outcome := pipeline.Handle(cmd.Context(), n)
				fmt.Fprintf(out, "%s\t%s\n", path, outcome)
				switch outcome {
				case relay.OutcomeResolveFailed, relay.OutcomeLinkFailed:
					failed++
				}
			}
			if failed > 0 {
				return &ExitError{Code: 2, Err: fmt.Errorf("%d of %d notifications failed", failed, len(args))}
			}
			return nil
		},
	}
}
