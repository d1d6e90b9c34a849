package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/momentics/hioload-mrcp/control"
	"github.com/momentics/hioload-mrcp/facade"
	"github.com/momentics/hioload-mrcp/internal/logging"
)

// Version is set at build time.
var Version = "dev"

const defaultText = "Hello from the speech synthesizer."

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cmd := newRootCommand(os.Stderr)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// rootFlags are shared by every subcommand.
type rootFlags struct {
	config   string
	logLevel string
	timeout  time.Duration
}

func newRootCommand(logOut io.Writer) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "mrcpstack",
		Short:         "In-process speech resource control stack",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "TOML configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override [log] level")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 30*time.Second, "overall deadline")

	root.AddCommand(
		newDemoCommand(flags, logOut),
		newDiscoverCommand(flags, logOut),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
				return err
			},
		},
	)
	return root
}

// openStack loads configuration and starts a facade stack.
func openStack(ctx context.Context, flags *rootFlags, logOut io.Writer) (*facade.Stack, error) {
	cfg, err := control.Load(ctx, flags.config)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	logger, err := logging.New(logOut, logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}
	stack, err := facade.New(cfg, facade.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := stack.Start(ctx); err != nil {
		return nil, fmt.Errorf("start stack: %w", err)
	}
	return stack, nil
}

func closeStack(stack *facade.Stack, logger *log.Logger) {
	if err := stack.Stop(); err != nil {
		logger.Error("stop stack", "err", err)
	}
}

func newDemoCommand(flags *rootFlags, logOut io.Writer) *cobra.Command {
	var (
		text string
		dump bool
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a client and server in one process and synthesize text",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			stack, err := openStack(ctx, flags, logOut)
			if err != nil {
				return err
			}
			defer closeStack(stack, stack.Logger())

			res, err := stack.Speak(ctx, text)
			if err != nil {
				return fmt.Errorf("speak: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session:  %s\n", res.SessionID)
			fmt.Fprintf(out, "channel:  %s\n", res.ChannelID)
			fmt.Fprintf(out, "status:   %d\n", res.StatusCode)
			fmt.Fprintf(out, "cause:    %s\n", res.Cause)
			fmt.Fprintf(out, "frames:   %d\n", res.Frames)
			if dump {
				printState(out, stack.DumpState())
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&text, "text", "t", defaultText, "text to synthesize")
	cmd.Flags().BoolVar(&dump, "dump", false, "print debug probes after the run")
	return cmd
}

func newDiscoverCommand(flags *rootFlags, logOut io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "List the resources and codecs offered by the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()
			stack, err := openStack(ctx, flags, logOut)
			if err != nil {
				return err
			}
			defer closeStack(stack, stack.Logger())

			d, err := stack.Discover(ctx)
			if err != nil {
				return fmt.Errorf("discover: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "resources: %s\n", strings.Join(d.Resources, ", "))
			codecs := make([]string, 0, len(d.Codecs))
			for _, c := range d.Codecs {
				codecs = append(codecs, fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.Rate))
			}
			fmt.Fprintf(out, "codecs:    %s\n", strings.Join(codecs, ", "))
			return nil
		},
	}
}

func printState(w io.Writer, state map[string]any) {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s = %v\n", k, state[k])
	}
}
