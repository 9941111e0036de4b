// Command tubes is a small console client for topic-routed messaging:
// it loads an endpoint schema and lets you listen, publish, send and
// request on topics from the command line.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	tubes "github.com/glimte/tubes-go"
	"github.com/glimte/tubes-go/contracts"
	"github.com/glimte/tubes-go/schema"
	"github.com/glimte/tubes-go/transports/zmq"
)

var (
	schemaFile string
	verbose    bool
	timeout    time.Duration
	threaded   bool
)

func newNode() (*tubes.Node, func(), error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	s, err := schema.Load(schemaFile)
	if err != nil {
		return nil, nil, err
	}
	provider := zmq.NewProvider(zmq.WithLogger(logger))
	opts := []tubes.NodeOption{tubes.WithProvider(provider), tubes.WithLogger(logger)}
	if threaded {
		opts = append(opts, tubes.WithThreadedDispatch())
	}
	node := tubes.NewNode(opts...)
	if err := s.Apply(node); err != nil {
		node.Close()
		provider.Close()
		return nil, nil, err
	}
	cleanup := func() {
		node.Close()
		provider.Close()
	}
	return node, cleanup, nil
}

func main() {
	root := &cobra.Command{
		Use:           "tubes",
		Short:         "Topic-routed messaging console client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&schemaFile, "schema", "s", "tubes.yaml", "endpoint schema file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().BoolVar(&threaded, "threaded", false, "use the threaded dispatch strategy")

	listen := &cobra.Command{
		Use:   "listen PATTERN...",
		Short: "Print every message arriving on the given topic patterns",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, cleanup, err := newNode()
			if err != nil {
				return err
			}
			defer cleanup()
			for _, pattern := range args {
				err := node.RegisterHandlerFunc(pattern, func(ctx context.Context, msg *contracts.Message) (any, error) {
					fmt.Printf("%s %s\n", msg.Topic, msg.String())
					return nil, nil
				})
				if err != nil {
					return err
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := node.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}

	publish := &cobra.Command{
		Use:   "publish TOPIC [PAYLOAD]",
		Short: "Publish a payload on a topic",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, cleanup, err := newNode()
			if err != nil {
				return err
			}
			defer cleanup()
			var payload any
			if len(args) > 1 {
				payload = args[1]
			}
			return node.Publish(cmd.Context(), args[0], payload)
		},
	}

	send := &cobra.Command{
		Use:   "send TOPIC [PAYLOAD]",
		Short: "Send a payload on a topic",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, cleanup, err := newNode()
			if err != nil {
				return err
			}
			defer cleanup()
			var payload any
			if len(args) > 1 {
				payload = args[1]
			}
			return node.Send(cmd.Context(), args[0], payload)
		},
	}

	request := &cobra.Command{
		Use:   "request TOPIC [PAYLOAD]",
		Short: "Send a request and print the response",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, cleanup, err := newNode()
			if err != nil {
				return err
			}
			defer cleanup()
			var payload any
			if len(args) > 1 {
				payload = args[1]
			}
			resp, err := node.Request(cmd.Context(), args[0], payload, timeout)
			if err != nil {
				return err
			}
			fmt.Println(resp.String())
			return nil
		},
	}
	request.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "response timeout")

	root.AddCommand(listen, publish, send, request)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
