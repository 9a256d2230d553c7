package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/notionmirror/internal/config"
	"github.com/agentworkforce/notionmirror/internal/kvstore"
	"github.com/agentworkforce/notionmirror/internal/mirror"
	"github.com/agentworkforce/notionmirror/internal/notion"
	"github.com/agentworkforce/notionmirror/internal/summarize"
)

type globalOptions struct {
	connectionsFile string
	stateDSN        string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "notion-mirror",
		Short:         "Mirror Notion databases across workspaces in both directions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.connectionsFile, "connections", envOrDefault("NOTION_MIRROR_CONNECTIONS_FILE", "connections.json"), "connections file")
	root.PersistentFlags().StringVar(&opts.stateDSN, "state-dsn", envOrDefault("NOTION_MIRROR_STATE_DSN", "file://notion-mirror-state.json"), "state backend DSN (memory://, file://, sqlite://, postgres://)")

	root.AddCommand(
		newServeCmd(opts),
		newMCPCmd(opts),
		newInitialSyncCmd(opts),
		newSyncPageCmd(opts),
		newProgressCmd(opts),
	)
	return root
}

type serviceSettings struct {
	workers         bool
	autoInitialSync bool
}

// buildService opens the state backend, loads connections and returns a
// service bound to them. The returned cleanup closes both.
func buildService(opts *globalOptions, settings serviceSettings) (*mirror.Service, func(), error) {
	backend, err := kvstore.BuildFromDSN(opts.stateDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("state backend: %w", err)
	}
	conns, err := config.Load(opts.connectionsFile, nil)
	if err != nil {
		_ = backend.Close()
		return nil, nil, fmt.Errorf("connections: %w", err)
	}

	client := notion.NewClient(notion.ClientOptions{
		BaseURL:    strings.TrimSpace(os.Getenv("NOTION_API_BASE_URL")),
		HTTPClient: &http.Client{Timeout: durationEnv("NOTION_MIRROR_HTTP_TIMEOUT", 30*time.Second)},
		UserAgent:  "notion-mirror",
	})
	queueSize := intEnv("NOTION_MIRROR_QUEUE_SIZE", 1024)
	var queue mirror.JobQueue
	if settings.workers {
		queue, err = mirror.BuildQueueFromDSN(os.Getenv("NOTION_MIRROR_QUEUE_DSN"), queueSize)
		if err != nil {
			_ = backend.Close()
			return nil, nil, fmt.Errorf("job queue: %w", err)
		}
	}
	svcOpts := mirror.ServiceOptions{
		Backend:         backend,
		API:             client,
		Logger:          log.Default(),
		Workers:         intEnv("NOTION_MIRROR_WORKERS", 4),
		Connections:     conns,
		Queue:           queue,
		QueueSize:       queueSize,
		PollInterval:    durationEnv("NOTION_MIRROR_POLL_INTERVAL", mirror.DefaultPollInterval),
		PollJitter:      floatEnv("NOTION_MIRROR_POLL_JITTER", mirror.DefaultPollJitter),
		PageDelay:       durationEnv("NOTION_MIRROR_PAGE_DELAY", mirror.DefaultPageDelay),
		AutoInitialSync: settings.autoInitialSync,
		DisableWorkers:  !settings.workers,
	}
	summarizer, err := summarize.New(summarize.Options{
		AccountID: os.Getenv("NOTION_MIRROR_SUMMARIZE_ACCOUNT"),
		Token:     os.Getenv("NOTION_MIRROR_SUMMARIZE_TOKEN"),
	})
	switch {
	case err == nil:
		svcOpts.Summarizer = summarizer
	case !errors.Is(err, summarize.ErrNotConfigured):
		log.Printf("summarizer disabled: %v", err)
	}

	svc, err := mirror.NewService(svcOpts)
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}
	cleanup := func() {
		svc.Close()
		if err := backend.Close(); err != nil {
			log.Printf("close state backend: %v", err)
		}
	}
	return svc, cleanup, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
