package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nerrad567/devicekit/internal/device"
	"github.com/nerrad567/devicekit/internal/infrastructure/logging"
	"github.com/nerrad567/devicekit/internal/testctx"
)

type contextOptions struct {
	host    string
	port    int
	debug   int
	props   []string
	name    string
	process bool
}

func newContextCommand(root *rootOptions) *cobra.Command {
	opts := &contextOptions{}
	cmd := &cobra.Command{
		Use:   "context <class>",
		Short: "Run one device of a registered class without a database",
		Long: `Run one device of a registered class on a given port, with a
throwaway database file, until interrupted. The device and server access
strings are printed once the server is up.`,
		Example: `  devicekit context PowerSupply --port 8888 --prop MaxVoltage=48 --prop Model=PS-6010`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContext(cmd, root, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.host, "host", "", "host to bind and advertise (default: first non-loopback address)")
	cmd.Flags().IntVar(&opts.port, "port", -1, "port to use (default from configuration, 0 picks a free port)")
	cmd.Flags().IntVar(&opts.debug, "debug", -1, "server verbosity 0 to 5 (default from configuration)")
	cmd.Flags().StringArrayVar(&opts.props, "prop", nil, "device property as name=value, repeatable")
	cmd.Flags().StringVar(&opts.name, "device", "", "device name (default test/nodb/<class>)")
	cmd.Flags().BoolVar(&opts.process, "process", false, "run the server in a child process")
	return cmd
}

// parseProps turns name=value pairs into property values. Values are
// YAML scalars or flow sequences: 3, 2.5, true, [1, 2], "quoted text".
func parseProps(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid property %q: want name=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("property %s: %w", name, err)
		}
		switch v.(type) {
		case nil:
			v = raw
		case map[string]any:
			return nil, fmt.Errorf("property %s: mappings are not supported", name)
		}
		out[name] = v
	}
	return out, nil
}

func runContext(cmd *cobra.Command, root *rootOptions, opts *contextOptions, className string) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	class, err := device.Lookup(className)
	if err != nil {
		return fmt.Errorf("%w (registered: %s)", err, strings.Join(device.Classes(), ", "))
	}
	props, err := parseProps(opts.props)
	if err != nil {
		return err
	}

	port := opts.port
	if port < 0 {
		port = cfg.Context.Port
	}
	debug := opts.debug
	if debug < 0 {
		debug = cfg.Context.Debug
	}
	timeout := cfg.GetThreadTimeout()
	if opts.process {
		timeout = cfg.GetProcessTimeout()
	}

	dc, err := testctx.NewDeviceContext(class, testctx.DeviceConfig{Name: opts.name, Properties: props}, testctx.Options{
		Host:    opts.host,
		Port:    port,
		Debug:   &debug,
		Process: opts.process,
		Timeout: timeout,
		Logger:  logging.New(logging.ForVerbosity(cfg.Logging, debug), version),
	})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if err := dc.Start(ctx); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s started on port %d with properties %v\n", class.Name(), dc.Port(), props)
	fmt.Fprintf(out, "Device access: %s\n", dc.Access())
	fmt.Fprintf(out, "Server access: %s\n", dc.ServerAccess())

	waitErr := dc.Wait(ctx)
	stopErr := dc.Stop(context.WithoutCancel(ctx))
	fmt.Fprintln(out, "Done")
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return stopErr
}
