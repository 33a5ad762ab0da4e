package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"ticket-queue/config"
	"ticket-queue/internal/notify"
	"ticket-queue/internal/services"
	"ticket-queue/internal/waitroom"
	"ticket-queue/models"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// consoleDisplay prints waiting room progress, one line per change.
type consoleDisplay struct {
	out io.Writer
}

func (d consoleDisplay) Countdown(info services.PreQueueInfo, left time.Duration) {
	fmt.Fprintf(d.out, "%s: queue opens in %s\n", info.Name, left.Round(time.Second))
}

func (d consoleDisplay) Status(report models.StatusReport) {
	switch report.Status {
	case models.StatusWaiting:
		if !report.Position.IsResolved() {
			fmt.Fprintln(d.out, "In line, position pending")
			return
		}
		fmt.Fprintf(d.out, "Position %s, %d ahead, about %ds left\n",
			report.Position, report.UsersAhead, report.EstimatedWaitSeconds)
	case models.StatusActive:
		fmt.Fprintln(d.out, "It's your turn!")
	default:
		fmt.Fprintf(d.out, "Entry %s\n", report.Status)
	}
}

// NewJoinQueueCommand is a terminal waiting room for one event.
func NewJoinQueueCommand(cfg *config.Config) *cobra.Command {
	var (
		server       string
		eventID      string
		authToken    string
		push         bool
		pollInterval time.Duration
		releaseAfter time.Duration
	)

	command := &cobra.Command{
		Use:          "join-queue",
		Short:        "Waits in the queue of an event until it is your turn",
		SilenceUsage: true,
		RunE: func(command *cobra.Command, args []string) error {
			if eventID == "" {
				return errors.New("--event is required")
			}

			var source waitroom.Source = &waitroom.Poller{Interval: pollInterval}
			if push {
				if cfg.PubNubSubscribeKey == "" {
					return errors.New("--push needs PUBNUB_SUBSCRIBE_KEY")
				}
				pn := notify.NewPubNub(&config.Config{PubNubSubscribeKey: cfg.PubNubSubscribeKey}, "waitroom-"+uuid.NewString())
				source = waitroom.NewPubNubSource(pn, pollInterval*10, slog.Default())
			}

			out := command.OutOrStdout()
			session := waitroom.NewSession(waitroom.NewClient(server, authToken), eventID, waitroom.Options{
				Source:  source,
				Display: consoleDisplay{out: out},
			})

			report, err := session.Run(command.Context())
			if errors.Is(err, waitroom.ErrEntryClosed) {
				return fmt.Errorf("left the queue: entry %s", report.Status)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Queue token %s is active, continue to checkout\n", session.Token())
			if releaseAfter <= 0 {
				return nil
			}

			select {
			case <-command.Context().Done():
				return command.Context().Err()
			case <-time.After(releaseAfter):
			}
			if err := session.Complete(command.Context()); err != nil {
				return fmt.Errorf("release active slot: %w", err)
			}
			fmt.Fprintln(out, "Active slot released")
			return nil
		},
	}

	command.Flags().StringVar(&server, "server", "http://127.0.0.1:"+cfg.Port, "queue server base URL")
	command.Flags().StringVar(&eventID, "event", "", "event id to queue for")
	command.Flags().StringVar(&authToken, "token", os.Getenv("QUEUE_AUTH_TOKEN"), "auth token of the user")
	command.Flags().BoolVar(&push, "push", false, "listen for pushed updates instead of polling only")
	command.Flags().DurationVar(&pollInterval, "poll-interval", 3*time.Second, "status poll interval")
	command.Flags().DurationVar(&releaseAfter, "release-after", 0, "complete the entry this long after it becomes active (0 keeps it)")

	return command
}
