// Command dispatchctl is the Predikt notification operations CLI.
//
// Usage:
//
//	dispatchctl send --key admin-broadcast --title "Hello" --body "World" --all-active
//	dispatchctl send --key new-gameweek --title "GW 17 is live!" --body "..." --param gameweek=17 --users a,b,c
//	dispatchctl retry --event new_gw:17 --title "GW 17 is live!" --body "..."
//	dispatchctl status --event new_gw:17
//	dispatchctl sweep
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/prediktapp/notify/internal/config"
	"github.com/prediktapp/notify/internal/db"
	"github.com/prediktapp/notify/internal/dispatch"
	"github.com/prediktapp/notify/internal/event"
	"github.com/prediktapp/notify/internal/ledger"
	"github.com/prediktapp/notify/internal/mailer"
	"github.com/prediktapp/notify/internal/maintenance"
	"github.com/prediktapp/notify/internal/prefs"
	"github.com/prediktapp/notify/internal/provider"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	root := &cobra.Command{
		Use:   "dispatchctl",
		Short: "Predikt notification dispatch operations CLI",
	}

	root.AddCommand(sendCmd())
	root.AddCommand(retryCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(sweepCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// --------------------------------------------------------------------------
// send command
// --------------------------------------------------------------------------

func sendCmd() *cobra.Command {
	var (
		key       string
		title     string
		body      string
		params    []string
		users     []string
		allActive bool
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Dispatch a notification event (admin broadcast or manual trigger)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" || title == "" || body == "" {
				return fmt.Errorf("--key, --title and --body are required")
			}
			if _, ok := config.Category(key); !ok {
				return fmt.Errorf("unknown notification key %q (known: %s)",
					key, strings.Join(config.CategoryKeys(), ", "))
			}
			if len(users) == 0 && !allActive {
				return fmt.Errorf("either --users or --all-active is required")
			}

			grouping, err := parseParams(params)
			if err != nil {
				return err
			}

			return runWithPool(func(ctx context.Context, cfg *config.Config, pool *db.Pool) error {
				prefStore := prefs.NewStore(pool)
				candidates := users
				if allActive {
					candidates, err = prefStore.ActiveUserIDs(ctx)
					if err != nil {
						return fmt.Errorf("resolve active users: %w", err)
					}
					logger.Info("Resolved recipient pool", "users", len(candidates))
				}

				d := buildDispatcher(cfg, pool, prefStore)
				ev := event.Event{Key: key, Title: title, Body: body, GroupingParams: grouping}

				start := time.Now()
				summary, err := d.Dispatch(ctx, ev, candidates)
				if err != nil {
					return err
				}
				logger.Info("Dispatch finished",
					"event_id", summary.EventID,
					"duration", time.Since(start).Round(time.Millisecond),
					"accepted", summary.Accepted,
					"failed", summary.Failed,
					"suppressed_duplicate", summary.SuppressedDuplicate,
					"suppressed_preference", summary.SuppressedPreference,
					"deferred", summary.Deferred)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "Notification category key, e.g. admin-broadcast")
	cmd.Flags().StringVar(&title, "title", "", "Notification title")
	cmd.Flags().StringVar(&body, "body", "", "Notification body")
	cmd.Flags().StringArrayVar(&params, "param", nil, "Grouping param as k=v (repeatable), e.g. --param gameweek=17")
	cmd.Flags().StringSliceVar(&users, "users", nil, "Comma-separated candidate user ids")
	cmd.Flags().BoolVar(&allActive, "all-active", false, "Target every user with an active device")
	return cmd
}

// --------------------------------------------------------------------------
// retry command
// --------------------------------------------------------------------------

func retryCmd() *cobra.Command {
	var (
		eventID string
		title   string
		body    string
	)
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-dispatch an event to its previously failed users only",
		RunE: func(cmd *cobra.Command, args []string) error {
			if eventID == "" {
				return fmt.Errorf("--event is required")
			}
			if title == "" || body == "" {
				return fmt.Errorf("--title and --body are required (the ledger does not keep content for straight-to-failed rows)")
			}

			return runWithPool(func(ctx context.Context, cfg *config.Config, pool *db.Pool) error {
				store := ledger.NewStore(pool)

				key, err := store.EventCategory(ctx, eventID)
				if err != nil {
					return err
				}
				failed, err := store.FailedUsers(ctx, eventID)
				if err != nil {
					return err
				}
				if len(failed) == 0 {
					logger.Info("Nothing to retry", "event_id", eventID)
					return nil
				}
				logger.Info("Retrying failed deliveries", "event_id", eventID, "category", key, "users", len(failed))

				prefStore := prefs.NewStore(pool)
				d := buildDispatcher(cfg, pool, prefStore)
				ev := event.Event{Key: key, EventID: eventID, Title: title, Body: body}

				summary, err := d.Dispatch(ctx, ev, failed)
				if err != nil {
					return err
				}
				logger.Info("Retry finished",
					"event_id", summary.EventID,
					"accepted", summary.Accepted,
					"failed", summary.Failed,
					"suppressed_preference", summary.SuppressedPreference,
					"deferred", summary.Deferred)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "event", "", "Event id, e.g. new_gw:17")
	cmd.Flags().StringVar(&title, "title", "", "Notification title")
	cmd.Flags().StringVar(&body, "body", "", "Notification body")
	return cmd
}

// --------------------------------------------------------------------------
// status command
// --------------------------------------------------------------------------

func statusCmd() *cobra.Command {
	var eventID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the ledger summary for an event",
		RunE: func(cmd *cobra.Command, args []string) error {
			if eventID == "" {
				return fmt.Errorf("--event is required")
			}
			return runWithPool(func(ctx context.Context, cfg *config.Config, pool *db.Pool) error {
				sum, err := ledger.NewStore(pool).Summary(ctx, eventID)
				if err != nil {
					return err
				}
				if len(sum) == 0 {
					return fmt.Errorf("no dispatch recorded for %s", eventID)
				}

				statuses := make([]string, 0, len(sum))
				total := 0
				for s, n := range sum {
					statuses = append(statuses, string(s))
					total += n
				}
				sort.Strings(statuses)

				fmt.Printf("event %s\n", eventID)
				for _, s := range statuses {
					fmt.Printf("  %-10s %d\n", s, sum[ledger.Status(s)])
				}
				fmt.Printf("  %-10s %d\n", "total", total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "event", "", "Event id, e.g. new_gw:17")
	return cmd
}

// --------------------------------------------------------------------------
// sweep command
// --------------------------------------------------------------------------

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one maintenance pass (reclaim stale reservations, purge old rows)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithPool(func(ctx context.Context, cfg *config.Config, pool *db.Pool) error {
				maintenance.Sweep(ctx, ledger.NewStore(pool), maintenance.Config{
					ReclaimStaleAfter: cfg.ReclaimStaleAfter,
					LedgerRetention:   cfg.LedgerRetention,
				}, logger)
				return nil
			})
		},
	}
	return cmd
}

// --------------------------------------------------------------------------
// Shared setup
// --------------------------------------------------------------------------

// buildDispatcher wires a full dispatcher from config. Channels without
// credentials stay nil and fail fast when a category needs them.
func buildDispatcher(cfg *config.Config, pool *db.Pool, prefStore *prefs.Store) *dispatch.Dispatcher {
	var push provider.Sender
	if client := provider.NewOneSignal(cfg, logger); client != nil {
		push = client
	}
	var mail dispatch.Mailer
	if m := mailer.New(cfg, logger); m != nil {
		mail = m
	}

	return dispatch.New(dispatch.Config{
		Ledger: ledger.NewStore(pool),
		Prefs:  prefs.NewResolver(prefStore, nil),
		Zones:  prefStore,
		Push:   push,
		Mail:   mail,
		Quiet:  dispatch.QuietWindow{Start: cfg.QuietStartHour, End: cfg.QuietEndHour},
		Logger: logger,
	})
}

// parseParams turns repeated k=v flags into grouping params.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, found := strings.Cut(p, "=")
		if !found || k == "" {
			return nil, fmt.Errorf("invalid --param %q, expected k=v", p)
		}
		// Numeric values stay numeric so ids match the JSON-built ones.
		if n, err := strconv.Atoi(v); err == nil {
			params[k] = n
		} else {
			params[k] = v
		}
	}
	return params, nil
}

// runWithPool handles config loading, DB connection, and context cancellation.
func runWithPool(fn func(ctx context.Context, cfg *config.Config, pool *db.Pool) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pool, err := db.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	return fn(ctx, cfg, pool)
}
