package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/devicekit/internal/device"
	"github.com/nerrad567/devicekit/internal/endpoint"
)

func newDiscoverCommand() *cobra.Command {
	var (
		pid     int
		host    string
		ports   []int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find the request port of a running device server",
		Long: `Find the request port of a device server by probing the TCP ports
the process listens on. With --ports the given ports are probed instead and
every guess is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			prober := endpoint.Prober{Timeout: timeout}
			out := cmd.OutOrStdout()

			if len(ports) > 0 {
				protocols := prober.ProbeProtocols(ctx, host, ports)
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PORT\tPROTOCOL")
				for _, p := range ports {
					fmt.Fprintf(tw, "%d\t%s\n", p, protocols[p])
				}
				return tw.Flush()
			}
			if pid <= 0 {
				return errors.New("--pid or --ports is required")
			}
			listening, err := endpoint.ListeningPorts(ctx, pid)
			if err != nil {
				return err
			}
			port, err := prober.GIOPPort(ctx, host, listening)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, port)
			return err
		},
	}
	cmd.Flags().IntVar(&pid, "pid", 0, "process id of the device server")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "address the server listens on")
	cmd.Flags().IntSliceVar(&ports, "ports", nil, "probe these ports instead of the ports of --pid")
	cmd.Flags().DurationVar(&timeout, "timeout", endpoint.DefaultProbeTimeout, "connect and read timeout per port")
	return cmd
}

func newIORCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ior <IOR:...>",
		Short: "Decode an object reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ior, err := endpoint.ParseIOR(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			host, port := ior.HostPort()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "type id\t%s\n", ior.TypeID)
			fmt.Fprintf(tw, "version\t%d.%d\n", ior.Major, ior.Minor)
			fmt.Fprintf(tw, "host\t%s\n", host)
			fmt.Fprintf(tw, "port\t%s\n", strconv.Itoa(port))
			fmt.Fprintf(tw, "object key\t%x\n", ior.Body)
			return tw.Flush()
		},
	}
}

func newClassesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "classes",
		Short: "List the registered device classes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CLASS\tGREEN MODE\tDOC")
			for _, name := range device.Classes() {
				c, err := device.Lookup(name)
				if err != nil {
					return err
				}
				mode := "default"
				if req := c.Requirement(); req.Explicit {
					mode = req.Mode.String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name(), mode, c.Doc())
			}
			return tw.Flush()
		},
	}
}
