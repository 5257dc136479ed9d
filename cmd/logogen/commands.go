package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"logogen/internal/servicetoken"
	"logogen/pkg/client"
	"logogen/pkg/domain"
	"logogen/pkg/watcher"
)

type cli struct {
	server  string
	timeout time.Duration
	p       *printer
}

func (c *cli) client() *client.Client {
	return client.New(c.server)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{p: &printer{out: stdout, err: stderr}}
	defaultServer := os.Getenv("LOGOGEN_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}

	root := &cobra.Command{
		Use:           "logogen",
		Short:         "Start and follow logo generations",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&c.server, "server", defaultServer, "generation service base URL (env LOGOGEN_SERVER)")
	root.PersistentFlags().BoolVar(&c.p.json, "json", false, "print JSON instead of tables")
	root.PersistentFlags().BoolVar(&c.p.noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	root.AddCommand(
		c.generateCmd(),
		c.watchCmd(),
		c.getCmd(),
		c.listCmd(),
		c.deleteCmd(),
		c.healthCmd(),
		c.queueCmd(),
		c.mcpCmd(),
	)
	return root
}

func (c *cli) generateCmd() *cobra.Command {
	var (
		style  string
		noWait bool
	)
	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Start a generation and wait for the result",
		Long: `Start a generation and wait for the result.

Examples:
  logogen generate "A blue lion logo reading 'HEXA'" --style abstract
  logogen generate "Coffee shop badge" --no-wait`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			api := c.client()
			if noWait {
				res, err := api.StartGeneration(cmd.Context(), prompt, style)
				if err != nil {
					return describe(err)
				}
				if c.p.json {
					return c.p.emitJSON(res)
				}
				c.p.success("%s", res.Message)
				fmt.Fprintln(c.p.out, res.GenerationID)
				return nil
			}
			return c.follow(cmd.Context(), api, prompt, style)
		},
	}
	cmd.Flags().StringVar(&style, "style", string(domain.StyleNone), "logo style: none, monogram, abstract, mascot")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "print the generation id and exit")
	cmd.Flags().DurationVar(&c.timeout, "timeout", 3*time.Minute, "give up waiting after this long (0 waits forever)")
	return cmd
}

func (c *cli) follow(ctx context.Context, api *client.Client, prompt, style string) error {
	w := watcher.New(api, api, watcher.WithTimeout(c.timeout))
	defer w.Close()

	if err := w.Start(ctx, prompt, style); err != nil {
		return describe(err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-w.Updates():
			if !ok {
				return errors.New("watcher closed")
			}
			switch snap.State {
			case watcher.StateAwaiting:
				c.p.step("generation %s is processing", snap.GenerationID)
			case watcher.StateReady:
				if c.p.json {
					return c.p.emitJSON(map[string]string{"generationId": snap.GenerationID, "imageUrl": snap.ImageURL})
				}
				c.p.success("logo ready")
				fmt.Fprintln(c.p.out, snap.ImageURL)
				return nil
			case watcher.StateFailed:
				return describe(snap.Err)
			}
		}
	}
}

func (c *cli) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <id>",
		Short: "Stream status changes of a generation until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			snaps := make(chan *domain.Generation, 8)
			errs := make(chan error, 1)
			unsub, err := c.client().Subscribe(ctx, args[0],
				func(g *domain.Generation) {
					select {
					case snaps <- g:
					case <-ctx.Done():
					}
				},
				func(err error) { errs <- err },
			)
			if err != nil {
				return describe(err)
			}
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case err := <-errs:
					return describe(err)
				case g := <-snaps:
					if g == nil {
						c.p.warn("generation %s not found (yet)", args[0])
						continue
					}
					if c.p.json {
						if err := c.p.emitJSON(g); err != nil {
							return err
						}
					} else {
						fmt.Fprintf(c.p.out, "%s  %s\n", g.UpdatedAt.Local().Format(time.TimeOnly), c.p.status(g.Status))
					}
					if g.Status.Terminal() {
						if !c.p.json && g.ImageURL != "" {
							fmt.Fprintln(c.p.out, g.ImageURL)
						}
						return nil
					}
				}
			}
		},
	}
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := c.client().GetGeneration(cmd.Context(), args[0])
			if err != nil {
				return describe(err)
			}
			return c.p.generation(g)
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent generations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := c.client().ListGenerations(cmd.Context(), limit)
			if err != nil {
				return describe(err)
			}
			return c.p.generations(items)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 25, "maximum number of generations (max 100)")
	return cmd
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.client().DeleteGeneration(cmd.Context(), args[0]); err != nil {
				return describe(err)
			}
			c.p.success("deleted %s", args[0])
			return nil
		},
	}
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the generation service is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := c.client().HealthCheck(cmd.Context())
			if err != nil {
				return describe(err)
			}
			if c.p.json {
				return c.p.emitJSON(h)
			}
			c.p.success("%s (%s)", h.Message, h.Timestamp.Local().Format(time.RFC3339))
			return nil
		},
	}
}

// describe turns domain errors into short user-facing messages.
func describe(err error) error {
	var (
		vErr   *domain.ValidationError
		tErr   *domain.TransientStoreError
		subErr *domain.SubscriptionError
	)
	switch {
	case errors.As(err, &vErr):
		return fmt.Errorf("invalid request: %s", vErr.Message)
	case errors.As(err, &tErr):
		return fmt.Errorf("service temporarily unavailable, try again: %w", err)
	case errors.Is(err, domain.ErrNotFound):
		return errors.New("generation not found")
	case errors.Is(err, watcher.ErrTimeout):
		return errors.New("timed out waiting for the generation; check later with `logogen get`")
	case errors.Is(err, watcher.ErrGenerationFailed):
		return err
	case errors.As(err, &subErr):
		return fmt.Errorf("lost connection to status updates: %w", subErr.Err)
	}
	return err
}

func (c *cli) queueCmd() *cobra.Command {
	var keyPath, issuer string
	admin := func() (*client.Client, error) {
		api := c.client()
		if keyPath == "" {
			return api, nil
		}
		signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{PrivateKeyPath: keyPath, Issuer: issuer})
		if err != nil {
			return nil, err
		}
		return api.WithToken(func() (string, error) {
			return signer.Sign(servicetoken.ScopeQueueRead)
		}), nil
	}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the durable completion queue",
		Long: `Inspect the durable completion queue (redis queue backend only).

Examples:
  logogen queue stats --admin-key ./admin.pem
  logogen queue dead-letters --limit 20`,
	}
	cmd.PersistentFlags().StringVar(&keyPath, "admin-key", os.Getenv("LOGOGEN_ADMIN_KEY"), "RSA private key (PEM) used to sign admin tokens (env LOGOGEN_ADMIN_KEY)")
	cmd.PersistentFlags().StringVar(&issuer, "admin-issuer", "logogen-cli", "issuer claim of admin tokens")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show due, leased and dead task counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := admin()
			if err != nil {
				return err
			}
			st, err := api.QueueStats(cmd.Context())
			if err != nil {
				return describe(err)
			}
			if c.p.json {
				return c.p.emitJSON(st)
			}
			fmt.Fprintf(c.p.out, "due:     %d\nleased:  %d\ndead:    %d\n", st.Due, st.Leased, st.Dead)
			return nil
		},
	}

	var limit int
	dead := &cobra.Command{
		Use:   "dead-letters",
		Short: "List completions that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api, err := admin()
			if err != nil {
				return err
			}
			items, err := api.DeadLetters(cmd.Context(), limit)
			if err != nil {
				return describe(err)
			}
			return c.p.deadLetters(items)
		},
	}
	dead.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")

	cmd.AddCommand(stats, dead)
	return cmd
}
