package webhook

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/helyar/helyar/adapter/cli"
	billingApp "github.com/helyar/helyar/internal/billing/application"
	"github.com/helyar/helyar/internal/shared/infrastructure/eventbus"
	"github.com/helyar/helyar/internal/shared/infrastructure/security"
	"github.com/spf13/cobra"
)

var replayFile string

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Reprocess dead-lettered webhook events",
	Long: `Reprocess webhook events parked on the dead-letter stream. The file holds
one JSON document per line: either the envelope consumed from the broker
(routing key billing.webhook.dead_lettered) or its bare payload.

Events already processed since are skipped as duplicates.

Examples:
  helyar webhook replay --file ./dead-letters.jsonl`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil || app.Replayer == nil {
			return errors.New("replay requires a configured application")
		}
		if replayFile == "" {
			return errors.New("--file is required")
		}

		body, err := security.ReadPayload(replayFile, 0)
		if err != nil {
			return err
		}
		events, err := decodeDeadLetters(body)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No events to replay.")
			return nil
		}

		result := app.Replayer.Process(cmd.Context(), events)
		fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d events: processed=%d duplicates=%d dropped=%d ignored=%d failed=%d\n",
			result.Events, result.Processed, result.Duplicates, result.Dropped, result.Ignored, result.Failed)
		if result.Failed > 0 {
			return fmt.Errorf("%d events failed again", result.Failed)
		}
		return nil
	},
}

// decodeDeadLetters reads one dead letter per non-empty line.
func decodeDeadLetters(body []byte) ([]billingApp.WebhookEvent, error) {
	var events []billingApp.WebhookEvent
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), security.MaxPayloadBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		ev, err := decodeDeadLetter(raw)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func decodeDeadLetter(raw []byte) (billingApp.WebhookEvent, error) {
	var envelope eventbus.ConsumedEvent
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return billingApp.WebhookEvent{}, fmt.Errorf("invalid JSON: %w", err)
	}

	payload := raw
	if envelope.RoutingKey != "" {
		if envelope.RoutingKey != billingApp.RoutingWebhookDeadLettered {
			return billingApp.WebhookEvent{}, fmt.Errorf("unexpected routing key %q", envelope.RoutingKey)
		}
		payload = envelope.Payload
	}

	var letter billingApp.DeadLetter
	if err := json.Unmarshal(payload, &letter); err != nil {
		return billingApp.WebhookEvent{}, fmt.Errorf("invalid dead letter: %w", err)
	}
	if letter.Event.ID == "" || letter.Event.ResourceType == "" || letter.Event.Action == "" {
		return billingApp.WebhookEvent{}, errors.New("dead letter has no event")
	}
	return letter.Event, nil
}

func init() {
	replayCmd.Flags().StringVar(&replayFile, "file", "", "path to dead-lettered events (JSON lines)")
}
