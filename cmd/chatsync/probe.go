package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatsync/pkg/transport"
)

func newProbeCommand(root *rootFlags) *cobra.Command {
	var (
		probeURL string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check that the push path is reachable via the health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			if probeURL == "" {
				probeURL = healthURL(cfg.Transport.URL)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			start := time.Now()
			hp, err := transport.Probe(ctx, &transport.WebSocketDialer{URL: probeURL})
			if err != nil {
				return errors.Wrapf(err, "probe %s", probeURL)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ok %s serverTime=%s rtt=%s\n",
				probeURL, time.UnixMilli(hp.ServerTimeMs).Format(time.RFC3339), time.Since(start).Round(time.Millisecond))
			return err
		},
	}
	cmd.Flags().StringVar(&probeURL, "url", "", "Health endpoint; defaults to the push endpoint with /ws replaced by /health")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Probe timeout")
	return cmd
}

func healthURL(pushURL string) string {
	if i := strings.Index(pushURL, "?"); i >= 0 {
		pushURL = pushURL[:i]
	}
	if strings.HasSuffix(pushURL, "/ws") {
		return strings.TrimSuffix(pushURL, "/ws") + "/health"
	}
	return strings.TrimRight(pushURL, "/") + "/health"
}
