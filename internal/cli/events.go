package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/veriflow/veriflow/pkg/client"
)

func createEventsCmd() *cobra.Command {
	var after int64
	var eventType string
	var limit int
	var follow bool
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read the event feed",
		Long: `Read the append-only event feed.

Indexers poll the feed with a sequence cursor; --follow keeps polling
for new events.

EXAMPLES:
  # Last events
  veriflow events

  # Only transfers, starting after sequence 100
  veriflow events --type Transfer --after 100

  # Tail the feed
  veriflow events --follow
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(getServer(), getAPIKey())
			ctx := context.Background()

			cursor := after
			for {
				events, err := c.Events(ctx, cursor, eventType, limit)
				if err != nil {
					return fmt.Errorf("failed to read events: %w", err)
				}

				for _, e := range events {
					if jsonOutput {
						if err := printJSON(e); err != nil {
							return err
						}
					} else {
						payload, _ := json.Marshal(e.Payload)
						fmt.Printf("%d\t%s\t%s\t%s\n", e.Seq, e.CreatedAt, e.Type, payload)
					}
					cursor = e.Seq
				}

				if !follow {
					return nil
				}
				time.Sleep(2 * time.Second)
			}
		},
	}

	cmd.Flags().Int64Var(&after, "after", 0, "start after this sequence number")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().IntVar(&limit, "limit", 100, "max events per poll")
	cmd.Flags().BoolVar(&follow, "follow", false, "keep polling for new events")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output events as JSON")

	return cmd
}
