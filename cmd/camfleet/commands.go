package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bft-labs/camfleet/pkg/device"
	"github.com/bft-labs/camfleet/pkg/fleet"
	"github.com/bft-labs/camfleet/pkg/gopro"
	"github.com/bft-labs/camfleet/pkg/log"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// withFleet opens and connects the fleet, runs fn, then stops everything.
func (c *cli) withFleet(network *fleet.NetworkCredentials, fn func(ctx context.Context, e *env) error) error {
	ctx, cancel := signalContext()
	defer cancel()

	e, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	if err := c.connect(ctx, e, network); err != nil {
		return err
	}
	return fn(ctx, e)
}

func (c *cli) runCmd() *cobra.Command {
	var refresh time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect every camera and keep the sessions supervised until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withFleet(c.cfg.Network(), func(ctx context.Context, e *env) error {
				renderStatus(os.Stdout, e.fleet.StatusAll())

				ticker := time.NewTicker(refresh)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						c.logger.Info("received signal, stopping")
						return nil
					case <-ticker.C:
						if res := e.fleet.ReconnectAll(ctx); len(res) > 0 {
							for id, err := range res {
								if err == nil {
									c.logger.Info("device reconnected", log.Device(id))
								}
							}
						}
						renderStatus(os.Stdout, e.fleet.StatusAll())
					}
				}
			})
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", 30*time.Second, "status refresh and reconnect interval")
	return cmd
}

func (c *cli) provisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Join cameras without a stored credential to the configured network",
		RunE: func(cmd *cobra.Command, args []string) error {
			network := c.cfg.Network()
			if network == nil {
				return errors.New("provision needs --ssid and --password")
			}
			return c.withFleet(network, func(ctx context.Context, e *env) error {
				renderStatus(os.Stdout, e.fleet.StatusAll())
				return nil
			})
		},
	}
}

func (c *cli) resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear the network credential on each camera and in the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withFleet(nil, func(ctx context.Context, e *env) error {
				outcomes, err := e.fleet.ExecuteAll(ctx, func(ctx context.Context, s *device.Session) (any, error) {
					return nil, s.ResetCredential(ctx)
				}, fleet.ExecOptions{})
				printOutcomes(outcomes, func(any) string { return "credential cleared" })
				return err
			})
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connect, probe every secure session once and print a status table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withFleet(nil, func(ctx context.Context, e *env) error {
				for id, err := range e.fleet.CheckAllHealth(ctx) {
					if err != nil {
						c.logger.Warn("health check failed", log.Device(id), log.Err(err))
					}
				}
				renderStatus(os.Stdout, e.fleet.StatusAll())
				renderSummary(os.Stdout, e.fleet.Summary())
				return nil
			})
		},
	}
}

func (c *cli) shutterCmd() *cobra.Command {
	var stagger time.Duration
	cmd := &cobra.Command{
		Use:       "shutter on|off",
		Short:     "Start or stop capture on every connected camera",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			on := args[0] == "on"
			op := func(ctx context.Context, s *device.Session) (any, error) {
				return s.Send(ctx, gopro.Shutter{On: on})
			}
			return c.withFleet(nil, func(ctx context.Context, e *env) error {
				var (
					outcomes map[string]fleet.Outcome
					err      error
				)
				if stagger > 0 {
					outcomes, err = e.fleet.ExecuteSequentially(ctx, op, stagger)
				} else {
					outcomes, err = e.fleet.ExecuteAll(ctx, op, fleet.ExecOptions{})
				}
				printOutcomes(outcomes, func(v any) string { return fmt.Sprintf("%v", v) })
				return err
			})
		},
	}
	cmd.Flags().DurationVar(&stagger, "stagger", 0, "run cameras one at a time with this delay between them")
	return cmd
}

func (c *cli) sleepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sleep",
		Short: "Put every connected camera to sleep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withFleet(nil, func(ctx context.Context, e *env) error {
				outcomes, err := e.fleet.ExecuteAll(ctx, func(ctx context.Context, s *device.Session) (any, error) {
					return s.Send(ctx, gopro.Sleep{})
				}, fleet.ExecOptions{})
				printOutcomes(outcomes, func(any) string { return "asleep" })
				return err
			})
		},
	}
}

func (c *cli) cohnCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "cohn on|off",
		Short:     "Enable or disable home-network mode on every connected camera",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			active := args[0] == "on"
			return c.withFleet(nil, func(ctx context.Context, e *env) error {
				outcomes, err := e.fleet.ExecuteAll(ctx, func(ctx context.Context, s *device.Session) (any, error) {
					return s.Send(ctx, gopro.SetCOHN{Active: active})
				}, fleet.ExecOptions{})
				printOutcomes(outcomes, func(any) string { return "cohn " + args[0] })
				return err
			})
		},
	}
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Send an HTTPS GET to every provisioned camera",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			return c.withFleet(nil, func(ctx context.Context, e *env) error {
				outcomes, err := e.fleet.ExecuteAll(ctx, func(ctx context.Context, s *device.Session) (any, error) {
					resp, err := s.Do(ctx, "GET", path)
					if err != nil {
						return nil, err
					}
					return fmt.Sprintf("%d %s", resp.StatusCode, resp.Body), nil
				}, fleet.ExecOptions{})
				printOutcomes(outcomes, func(v any) string { return v.(string) })
				return err
			})
		},
	}
}

func (c *cli) credsCmd() *cobra.Command {
	creds := &cobra.Command{
		Use:   "creds",
		Short: "Inspect stored credentials",
	}
	creds.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored credentials by address and fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.openStore()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			ids, err := store.List(ctx)
			if err != nil {
				return err
			}
			rows := make([]credRow, 0, len(ids))
			for _, id := range ids {
				cred, ok, err := store.Get(ctx, id)
				if err != nil {
					c.logger.Warn("unreadable credential", log.Device(id), log.Err(err))
					continue
				}
				if ok {
					rows = append(rows, credRow{id: id, cred: cred})
				}
			}
			renderCredentials(os.Stdout, rows)
			return nil
		},
	})
	return creds
}

func printOutcomes(outcomes map[string]fleet.Outcome, format func(any) string) {
	ids := make([]string, 0, len(outcomes))
	for id := range outcomes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out := outcomes[id]
		if out.Err != nil {
			fmt.Printf("%s\t%s\n", id, errStyle.Render("error: "+out.Err.Error()))
			continue
		}
		fmt.Printf("%s\t%s\t(%s)\n", id, format(out.Value), out.Duration.Round(time.Millisecond))
	}
}
