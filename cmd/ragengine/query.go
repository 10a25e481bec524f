package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/contexa/ragengine/pkg/events"
	"github.com/contexa/ragengine/pkg/graph"
)

var (
	queryTenant  string
	querySession string
	queryTrace   bool
)

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Ask one question and stream the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := buildApp(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		stream, err := a.engine.Converse(cmd.Context(), graph.Request{
			SessionID: querySession,
			TenantID:  queryTenant,
			Query:     strings.Join(args, " "),
		})
		if err != nil {
			return err
		}

		for ev := range stream {
			switch ev.Type {
			case events.TypeChunk:
				fmt.Print(ev.Chunk)
			case events.TypeNodeStart:
				if queryTrace {
					fmt.Fprintf(os.Stderr, "[%s]\n", ev.Node)
				}
			case events.TypeComplete:
				fmt.Println()
				if queryTrace && ev.Result != nil {
					fmt.Fprintf(os.Stderr, "chunks=%d retries=%d tokens=%d\n",
						len(ev.Result.RetrievedChunks), ev.Result.RetryCount, ev.Result.TokensUsed)
				}
			case events.TypeError:
				return fmt.Errorf("run failed at %s: %s", ev.Node, ev.Error)
			}
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().StringVarP(&queryTenant, "tenant", "t", "default", "tenant id")
	queryCmd.Flags().StringVarP(&querySession, "session", "s", "", "session id for conversation continuity")
	queryCmd.Flags().BoolVar(&queryTrace, "trace", false, "print node trace to stderr")
}
