package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/message"
)

type postFlags struct {
	topicFlags
	user       string
	text       string
	historyURL string
}

func newPostCommand(root *rootFlags) *cobra.Command {
	flags := &postFlags{}
	cmd := &cobra.Command{
		Use:   "post [text]",
		Short: "Create a message on a channel or conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("history-url") {
				cfg.History.BaseURL = flags.historyURL
			}
			text := flags.text
			if len(args) == 1 {
				text = args[0]
			}
			if strings.TrimSpace(text) == "" {
				return errors.New("message text is empty")
			}
			created, err := postMessage(cmd.Context(), http.DefaultClient, cfg.History.BaseURL, flags.channel, flags.conversation, flags.user, text)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", created.ID, created.TopicKey)
			return err
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&flags.user, "user", "", "Sender id")
	cmd.Flags().StringVar(&flags.text, "text", "", "Message text")
	cmd.Flags().StringVar(&flags.historyURL, "history-url", "", "Messages endpoint")
	return cmd
}

func postMessage(ctx context.Context, client *http.Client, endpoint, channelID, conversationID, sender, text string) (message.Message, error) {
	if _, err := message.NewTopicKey(channelID, conversationID); err != nil {
		return message.Message{}, err
	}
	body, err := json.Marshal(map[string]any{
		"channelId":      channelID,
		"conversationId": conversationID,
		"senderId":       sender,
		"body":           message.RichContent{Text: text},
	})
	if err != nil {
		return message.Message{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return message.Message{}, errors.Wrap(err, "build post request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return message.Message{}, errors.Wrap(err, "post message")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return message.Message{}, errors.Errorf("post message: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var created message.Message
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return message.Message{}, errors.Wrap(err, "decode created message")
	}
	return created, nil
}
