package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/keepmind9/vkbot/internal/core"
	"github.com/keepmind9/vkbot/internal/logger"
	"github.com/keepmind9/vkbot/pkg/constants"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Injector posts events to a running callback server
type Injector struct {
	timeout time.Duration
	client  *http.Client
}

// Inject sends one event body and returns the server's answer
func (i *Injector) Inject(ctx context.Context, url string, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := i.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

// prepareEvent fills the fields the callback server checks
func prepareEvent(data []byte, groupID int64, secret string) ([]byte, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("event is not valid JSON")
	}
	var err error
	if groupID != 0 {
		if data, err = sjson.SetBytes(data, "group_id", groupID); err != nil {
			return nil, err
		}
	}
	if secret != "" {
		if data, err = sjson.SetBytes(data, "secret", secret); err != nil {
			return nil, err
		}
	}
	if !gjson.GetBytes(data, "event_id").Exists() {
		if data, err = sjson.SetBytes(data, "event_id", fmt.Sprintf("inject-%d", time.Now().UnixNano())); err != nil {
			return nil, err
		}
	}
	return data, nil
}

var (
	injectURL     string
	injectGroupID int64
	injectSecret  string

	injectCmd = &cobra.Command{
		Use:   "inject",
		Short: "Push an event read from stdin to a running callback server",
		Long: `Reads one event object from stdin and posts it to the callback server of a
running vkbot, the same way the platform pushes events. Useful to exercise
commands without a chat client.

Examples:
  echo '{"type":"message_new","object":{"message":{"peer_id":1,"from_id":1,"text":"/ping"}}}' | vkbot inject
  cat event.json | vkbot inject --url http://localhost:9000/callback --secret s3cret`,
		Run: func(cmd *cobra.Command, args []string) {
			stdinData, err := io.ReadAll(os.Stdin)
			if err != nil {
				logger.WithField("error", err).Error("failed-to-read-stdin")
				os.Exit(1)
			}
			if len(bytes.TrimSpace(stdinData)) == 0 {
				logger.Warn("no-data-received-from-stdin")
				os.Exit(1)
			}

			data, err := prepareEvent(stdinData, injectGroupID, injectSecret)
			if err != nil {
				fmt.Fprintf(os.Stderr, "❌ %v\n", err)
				os.Exit(1)
			}

			logger.WithFields(logrus.Fields{
				"url":  injectURL,
				"size": len(data),
			}).Debug("injecting-event")

			injector := &Injector{timeout: constants.InjectHTTPTimeout}
			answer, err := injector.Inject(cmd.Context(), injectURL, data)
			if err != nil {
				fmt.Fprintf(os.Stderr, "❌ %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer)
		},
	}
)

func init() {
	injectCmd.Flags().StringVar(&injectURL, "url", fmt.Sprintf("http://localhost:%d%s", core.DefaultCallbackPort, constants.DefaultCallbackPath), "Callback server URL")
	injectCmd.Flags().Int64Var(&injectGroupID, "group-id", 0, "Group id to stamp on the event")
	injectCmd.Flags().StringVar(&injectSecret, "secret", "", "Callback secret")
}
