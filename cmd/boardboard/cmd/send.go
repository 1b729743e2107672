package cmd

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/nfrund/boardboard/internal/realtime"
)

var (
	sendTopic   string
	sendEvent   string
	sendPayload string
	sendToken   string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Broadcast an event on a topic",
	Example: `  boardboard send --topic user:42 --event friend_request --payload '{"from":"7","username":"ada"}'
  boardboard send --transport redis --topic board:1 --event move`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload any
		if sendPayload != "" {
			if !json.Valid([]byte(sendPayload)) {
				return errors.New("--payload must be valid JSON")
			}
			payload = json.RawMessage(sendPayload)
		}

		logger := cliLogger()
		client, cleanup, err := openClient(cmd.Context(), loadConfig(), sendToken, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := client.SendToTopic(cmd.Context(), sendTopic, sendEvent, payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", sendTopic, sendEvent, res)
		if res != realtime.SendOK {
			return fmt.Errorf("broadcast not acknowledged: %s", res)
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendTopic, "topic", "", "topic to broadcast on")
	sendCmd.Flags().StringVar(&sendEvent, "event", realtime.EventDefault, "event name")
	sendCmd.Flags().StringVar(&sendPayload, "payload", "", "JSON payload")
	sendCmd.Flags().StringVar(&sendToken, "token", "", "access token for private channels")
	_ = sendCmd.MarkFlagRequired("topic")
	rootCmd.AddCommand(sendCmd)
}
