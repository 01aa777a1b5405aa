package main

import (
	"context"
	"fmt"
	"os/signal"
	"sort"
	"syscall"
	"time"

	dispatch "github.com/clusterdispatch/golang"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type target struct {
	endpoint string
	service  string
	timeout  time.Duration
}

func (t *target) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&t.endpoint, "endpoint", "", "library host endpoint")
	f.StringVar(&t.service, "service", "", "discover the endpoint by service name")
	f.DurationVar(&t.timeout, "timeout", 10*time.Second, "request timeout")
}

func (t *target) dial(ctx context.Context) (*dispatch.Client, error) {
	switch {
	case t.endpoint != "":
		return dispatch.Dial(ctx, t.endpoint)
	case t.service != "":
		return dispatch.Connect(ctx, t.service, t.timeout)
	default:
		return nil, fmt.Errorf("one of --endpoint or --service is required")
	}
}

func newSignatureCmd() *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "signature",
		Short: "Print the library signature as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), t.timeout)
			defer cancel()

			client, err := t.dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			sig, err := client.Signature(ctx)
			if err != nil {
				return err
			}
			return printYAML(cmd, sig)
		},
	}
	t.bind(cmd)
	return cmd
}

func newCallCmd() *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "call <object> <method> [args...]",
		Short: "Invoke a member of a hosted object; args are YAML scalars or flow values",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			callArgs, err := parseArgs(args[2:])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), t.timeout)
			defer cancel()

			client, err := t.dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			result, err := client.Invoke(ctx, args[0], args[1], callArgs...)
			if err != nil {
				return err
			}
			return printYAML(cmd, result)
		},
	}
	t.bind(cmd)
	return cmd
}

func newSubscribeCmd() *cobra.Command {
	var (
		t      target
		method string
	)
	cmd := &cobra.Command{
		Use:   "subscribe <object> <event> [args...]",
		Short: "Print every firing of an event until interrupted",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			object, event := args[0], args[1]
			regArgs, err := parseArgs(args[2:])
			if err != nil {
				return err
			}
			if len(regArgs) == 0 {
				regArgs = []any{event}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := t.dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			_, err = client.Subscribe(ctx, object, method, event, func(eventArgs []any) {
				fmt.Fprintf(out, "%s %s %v\n", time.Now().Format(time.RFC3339), event, eventArgs)
			}, regArgs...)
			if err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		},
	}
	t.bind(cmd)
	cmd.Flags().StringVar(&method, "method", "On", "registration member of the object")
	return cmd
}

func newPingCmd() *cobra.Command {
	var t target
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure the round trip to the library host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), t.timeout)
			defer cancel()

			client, err := t.dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			rtt, err := client.Ping(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s rtt=%s\n", client.Endpoint(), rtt)
			return nil
		},
	}
	t.bind(cmd)
	return cmd
}

func newServicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List library hosts registered for discovery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := dispatch.ListServices()
			if err != nil {
				return err
			}

			names := make([]string, 0, len(services))
			for name := range services {
				names = append(names, name)
			}
			sort.Strings(names)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "registry: %s\n", dispatch.GetRegistryPath())
			for _, name := range names {
				info := services[name]
				fmt.Fprintf(out, "%-20s %-28s pid=%d since=%s\n", name, info.Endpoint, info.PID, info.StartTime)
			}
			return nil
		},
	}
}

// parseArgs decodes each CLI argument as a YAML value: 5 is an int, true a
// bool, {a: 1} a map and anything else a string.
func parseArgs(raw []string) ([]any, error) {
	args := make([]any, 0, len(raw))
	for _, r := range raw {
		var v any
		if err := yaml.Unmarshal([]byte(r), &v); err != nil {
			return nil, fmt.Errorf("argument %q: %w", r, err)
		}
		args = append(args, v)
	}
	return args, nil
}

func printYAML(cmd *cobra.Command, v any) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
