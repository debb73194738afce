package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicktill/minerstats/pkg/config"
	"github.com/nicktill/minerstats/pkg/delivery"
	"github.com/nicktill/minerstats/pkg/model"
	"github.com/nicktill/minerstats/pkg/tracing"
)

func newPublishCmd(c *cli) *cobra.Command {
	var (
		url        string
		attempts   int
		backoff    time.Duration
		stream     bool
		flushEvery time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish [file]",
		Short: "Send updates from a file (or stdin) to a server",
		Long: "Reads either a batch document {\"updates\":[...]} or one update per line " +
			"and delivers it as a single batch.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			tp, tracer, err := tracing.InitTracer(cmd.Context(), c.cfg.Tracing)
			if err != nil {
				return err
			}
			defer tp.Shutdown(cmd.Context())

			client := &http.Client{
				Timeout:   config.DeliveryTimeout,
				Transport: tracing.HTTPClientMiddleware(tracer, http.DefaultTransport),
			}
			pub := delivery.NewPublisher(url, delivery.WithHTTPClient(client), delivery.WithRetry(attempts, backoff))

			if stream {
				return c.streamUpdates(cmd, in, pub, flushEvery)
			}

			batch, err := readBatch(in)
			if err != nil {
				return err
			}
			if len(batch.Updates) > config.DeliveryMaxUpdates {
				return fmt.Errorf("%w: got %d", delivery.ErrTooManyUpdates, len(batch.Updates))
			}
			if err := pub.PublishBatch(cmd.Context(), batch); err != nil {
				return err
			}

			c.logger.Info().Int("count", len(batch.Updates)).Str("url", url).Msg("batch acknowledged")
			fmt.Fprintf(cmd.OutOrStdout(), "published %d updates\n", len(batch.Updates))
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "http://localhost"+config.DefaultAddr, "Server base URL")
	cmd.Flags().IntVar(&attempts, "attempts", 3, "Delivery attempts before giving up")
	cmd.Flags().DurationVar(&backoff, "backoff", time.Second, "Delay between attempts, multiplied by the attempt number")
	cmd.Flags().BoolVar(&stream, "stream", false, "Read updates line by line until EOF, sending them in batches")
	cmd.Flags().DurationVar(&flushEvery, "flush-every", 5*time.Second, "Batch interval with --stream")
	return cmd
}

// streamUpdates feeds one update per line into a batcher until EOF.
// Lines that are not valid updates are logged and skipped.
func (c *cli) streamUpdates(cmd *cobra.Command, in io.Reader, pub *delivery.Publisher, flushEvery time.Duration) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	b := delivery.NewBatcher(pub, delivery.BatcherConfig{FlushEvery: flushEvery}, c.logger)
	go b.Run(ctx)

	var queued int
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64<<10), config.DeliveryMaxBodySize)
	for line := 1; sc.Scan(); line++ {
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		u, err := model.Decode(text)
		if err != nil {
			c.logger.Warn().Err(err).Int("line", line).Msg("skipping line")
			continue
		}
		b.Add(u)
		queued++
	}
	scanErr := sc.Err()

	cancel()
	<-b.Done()

	if n := b.Pending(); n > 0 {
		return fmt.Errorf("%w: %d of %d updates unsent", delivery.ErrNotAcknowledged, n, queued)
	}
	if scanErr != nil {
		return scanErr
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %d updates\n", queued-int(b.Dropped()))
	return nil
}

// readBatch accepts a batch document or newline-delimited updates
func readBatch(r io.Reader) (delivery.Batch, error) {
	data, err := io.ReadAll(io.LimitReader(r, config.DeliveryMaxBodySize+1))
	if err != nil {
		return delivery.Batch{}, err
	}
	if len(data) > config.DeliveryMaxBodySize {
		return delivery.Batch{}, fmt.Errorf("input larger than %d bytes", config.DeliveryMaxBodySize)
	}

	var batch delivery.Batch
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &batch); err == nil && batch.Updates != nil {
			return batch, nil
		}
	}

	batch = delivery.Batch{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64<<10), config.DeliveryMaxBodySize)
	for line := 1; sc.Scan(); line++ {
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		if !json.Valid(text) {
			return delivery.Batch{}, fmt.Errorf("line %d: invalid JSON", line)
		}
		batch.Updates = append(batch.Updates, json.RawMessage(bytes.Clone(text)))
	}
	if err := sc.Err(); err != nil {
		return delivery.Batch{}, err
	}
	return batch, nil
}
