package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/datadrape/datadrape-ai/backend/internal/config"
	"github.com/datadrape/datadrape-ai/backend/internal/model/chat"
	"github.com/datadrape/datadrape-ai/backend/internal/service/relay"
)

// 1x1 red PNG.
const testImage = "data:image/png;base64,iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mP8z8BQDwAEhQGAhKmMIQAAAABJRU5ErkJggg=="

type probeOptions struct {
	Model   string
	BaseURL string
	Title   string
	Timeout time.Duration
}

type probe struct {
	name     string
	messages []chat.Message
	hint     string
}

var (
	textProbe = probe{
		name: "text",
		messages: []chat.Message{{
			Role:    chat.RoleUser,
			Content: []chat.ContentPart{chat.TextPart(`Say "Hello, DataDrape AI is working!" and nothing else.`)},
		}},
	}
	imageProbe = probe{
		name: "image",
		messages: []chat.Message{{
			Role: chat.RoleUser,
			Content: []chat.ContentPart{
				chat.TextPart(`This is a test image. Please respond with: "Image test successful"`),
				chat.ImagePart(testImage),
			},
		}},
		hint: "some models have image support disabled or limited; text chat still works",
	}
)

func newRootCmd() *cobra.Command {
	opts := &probeOptions{}
	root := &cobra.Command{
		Use:           "probe",
		Short:         "Check connectivity to the OpenRouter API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.Model, "model", "", "override OPENROUTER_MODEL")
	root.PersistentFlags().StringVar(&opts.BaseURL, "base-url", "", "override OPENROUTER_BASE_URL")
	root.PersistentFlags().StringVar(&opts.Title, "title", "DataDrape AI Test", "X-Title sent upstream")
	root.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 60*time.Second, "per-request timeout")

	root.AddCommand(
		newProbeCmd("text", "Send a plain text request", opts, textProbe),
		newProbeCmd("image", "Send a request with an inline image", opts, imageProbe),
		newProbeCmd("all", "Run every probe", opts, textProbe, imageProbe),
	)
	return root
}

func newProbeCmd(use, short string, opts *probeOptions, probes ...probe) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd.OutOrStdout(), opts)
			if err != nil {
				return err
			}
			return runProbes(cmd.Context(), cmd.OutOrStdout(), client, probes)
		},
	}
}

func newClient(out io.Writer, opts *probeOptions) (*relay.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	upstream := cfg.Upstream
	if opts.Model != "" {
		upstream.Model = opts.Model
	}
	if opts.BaseURL != "" {
		upstream.BaseURL = opts.BaseURL
	}
	upstream.SiteName = opts.Title
	upstream.Timeout = opts.Timeout

	if err := upstream.Validate(); err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "API key: %s\nModel:   %s\n", maskKey(upstream.APIKey), upstream.Model)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return relay.NewClient(upstream, relay.WithLogger(logger)), nil
}

func runProbes(ctx context.Context, out io.Writer, client *relay.Client, probes []probe) error {
	if ctx == nil {
		ctx = context.Background()
	}

	failed := 0
	for _, p := range probes {
		fmt.Fprintf(out, "\nTesting %s request...\n", p.name)
		reply, err := client.Complete(ctx, p.messages)
		if err != nil {
			failed++
			fmt.Fprintf(out, "✗ %s test failed: %v\n", p.name, err)
			if p.hint != "" {
				fmt.Fprintf(out, "Note: %s\n", p.hint)
			}
			continue
		}
		fmt.Fprintf(out, "✓ %s test passed: %s\n", p.name, reply)
	}

	if failed > 0 {
		return errors.New("some probes failed, check the API key and model availability")
	}
	fmt.Fprintln(out, "\nAll probes passed")
	return nil
}

// maskKey shows the first 8 and last 4 characters of key.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}
