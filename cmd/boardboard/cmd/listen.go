package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/nfrund/boardboard/internal/realtime"
)

var (
	listenTopic  string
	listenEvents []string
	listenToken  string
	listenJSON   bool
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print broadcasts received on a topic",
	Example: `  boardboard listen --topic user:42
  boardboard listen --topic board:1 --event move --event resize --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := cliLogger()
		client, cleanup, err := openClient(ctx, loadConfig(), listenToken, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := listen(ctx, client, cmd.OutOrStdout(), listenTopic, listenEvents, listenJSON); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "listening on %s, press Ctrl+C to stop\n", listenTopic)
		<-ctx.Done()
		return nil
	},
}

func init() {
	listenCmd.Flags().StringVar(&listenTopic, "topic", "", "topic to listen on")
	listenCmd.Flags().StringSliceVar(&listenEvents, "event", []string{realtime.EventWildcard}, "events to print; repeatable")
	listenCmd.Flags().StringVar(&listenToken, "token", "", "access token for private channels")
	listenCmd.Flags().BoolVar(&listenJSON, "json", false, "print one JSON object per line")
	_ = listenCmd.MarkFlagRequired("topic")
	rootCmd.AddCommand(listenCmd)
}

// listen registers a printing handler for each event on topic.
func listen(ctx context.Context, client *realtime.Client, w io.Writer, topic string, events []string, asJSON bool) error {
	var mu sync.Mutex
	h := realtime.NewHandler("cli-printer", func(_ context.Context, msg realtime.Message) error {
		mu.Lock()
		defer mu.Unlock()
		return printMessage(w, msg, asJSON)
	})
	for _, event := range events {
		if err := client.On(ctx, topic, event, h); err != nil {
			return fmt.Errorf("listen on %s/%s: %w", topic, event, err)
		}
	}
	return nil
}

type printedMessage struct {
	Time    time.Time       `json:"time"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func printMessage(w io.Writer, msg realtime.Message, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(printedMessage{
			Time:    time.Now().UTC(),
			Topic:   msg.Topic,
			Event:   msg.Name(),
			Payload: msg.Payload,
		})
	}
	payload := string(msg.Payload)
	if payload == "" {
		payload = "-"
	}
	_, err := fmt.Fprintf(w, "%s  %-20s %s\n", time.Now().Format(time.TimeOnly), msg.Name(), payload)
	return err
}
