package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kjannette/cardvault-backend/internal/cache"
	"github.com/kjannette/cardvault-backend/internal/client"
	"github.com/kjannette/cardvault-backend/internal/config"
	"github.com/kjannette/cardvault-backend/internal/governor"
	"github.com/kjannette/cardvault-backend/internal/localstore"
	"github.com/kjannette/cardvault-backend/internal/models"
	"github.com/kjannette/cardvault-backend/internal/scheduler"
)

const usage = `usage: refresh [flags] [name ...]

With names, resolves them on demand and prints the results as JSON.
Without names, resolves every item in the items file.

`

func main() {
	var (
		sweep         = flag.Bool("sweep", false, "run the background sweep until interrupted")
		itemsFile     = flag.String("items", "", "items file, one name per line with an optional tab-separated cost in minor units")
		estimate      = flag.Bool("estimate", false, "fill results without data from the items file cost basis")
		invalidate    = flag.String("invalidate", "", "drop a name from both cache tiers")
		showQuota     = flag.Bool("quota", false, "print the origin quota status")
		showSchedule  = flag.Bool("schedule", false, "print the assigned refresh weekday")
		resetSchedule = flag.Bool("reset-schedule", false, "draw a new refresh weekday")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if *itemsFile == "" {
		*itemsFile = cfg.ItemsFile
	}
	logger := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := localstore.Open(cfg.ClientDBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open client store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	c, err := newClient(ctx, cfg, store, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	switch {
	case *invalidate != "":
		err = c.Invalidate(ctx, *invalidate)
		if err == nil {
			fmt.Printf("invalidated %q\n", *invalidate)
		}
	case *showQuota:
		var st models.QuotaStatus
		if st, err = c.QuotaStatus(ctx); err == nil {
			printJSON(struct {
				models.QuotaStatus
				Remaining int `json:"remaining"`
			}{st, st.Remaining()})
		}
	case *showSchedule:
		var st models.ClientSchedule
		if st, err = c.Schedule(ctx); err == nil {
			printSchedule(st)
		}
	case *resetSchedule:
		var st models.ClientSchedule
		if st, err = c.ResetSchedule(ctx); err == nil {
			printSchedule(st)
		}
	case *sweep:
		err = runSweep(ctx, cfg, c, *itemsFile, logger)
	default:
		err = runOnce(ctx, cfg, c, flag.Args(), *itemsFile, *estimate)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func newClient(ctx context.Context, cfg *config.Config, store *localstore.Store, logger *slog.Logger) (*client.Client, error) {
	layered := cache.NewLayered[models.ProductPriceRecord](store, logger)
	loaded, discarded, err := layered.Warm(ctx, time.Now())
	if err != nil {
		return nil, fmt.Errorf("warm client cache: %w", err)
	}
	logger.Info("client cache warmed", "loaded", loaded, "discarded", discarded)

	clientID, err := store.ClientID(ctx)
	if err != nil {
		return nil, fmt.Errorf("client id: %w", err)
	}

	origin := client.NewOriginClient(client.OriginConfig{
		BaseURL:  cfg.OriginURL,
		APIKey:   cfg.APIKey,
		ClientID: clientID,
		Logger:   logger,
	})
	return client.New(client.Config{
		Upstream:      origin,
		Store:         layered,
		TTL:           cfg.ClientCacheTTL,
		Schedule:      governor.NewSchedule(store),
		MarkupPercent: cfg.EstimateMarkupPercent,
		Logger:        logger,
	})
}

func runOnce(ctx context.Context, cfg *config.Config, c *client.Client, names []string, itemsFile string, estimate bool) error {
	var costs map[string]int64
	if len(names) == 0 || estimate {
		items, err := readItems(itemsFile)
		if err != nil {
			return err
		}
		costs = items.costs
		if len(names) == 0 {
			names = items.names
		}
	}
	if len(names) == 0 {
		return errors.New("no names given and the items file is empty")
	}

	job, err := c.ResolveBatch(ctx, names, client.BatchOptions{
		BatchSize:       cfg.BatchSize,
		InterBatchDelay: cfg.InterBatchDelay,
	})
	if err != nil {
		return err
	}
	if estimate {
		n := c.ApplyEstimates(job.Results, costs)
		fmt.Fprintf(os.Stderr, "%d estimates applied\n", n)
	}
	printJSON(job)
	return nil
}

func runSweep(ctx context.Context, cfg *config.Config, c *client.Client, itemsFile string, logger *slog.Logger) error {
	sw, err := scheduler.NewSweeper(c, scheduler.SweeperConfig{
		Interval:        cfg.SweepInterval,
		BatchSize:       cfg.BatchSize,
		InterBatchDelay: cfg.InterBatchDelay,
		Items: func(context.Context) ([]string, error) {
			items, err := readItems(itemsFile)
			return items.names, err
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	st, err := c.Schedule(ctx)
	if err != nil {
		return err
	}
	printSchedule(st)

	sw.Start()
	<-ctx.Done()
	sw.Stop()
	return nil
}

type itemList struct {
	names []string
	costs map[string]int64
}

// readItems parses one name per line. A tab-separated second column is
// the item's cost basis in minor units. Blank lines and # comments are
// ignored; a missing file is an empty list.
func readItems(path string) (itemList, error) {
	out := itemList{costs: map[string]int64{}}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("open items: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		name, cost, hasCost := strings.Cut(text, "\t")
		name = strings.TrimSpace(name)
		out.names = append(out.names, name)
		if hasCost {
			n, err := strconv.ParseInt(strings.TrimSpace(cost), 10, 64)
			if err != nil {
				return out, fmt.Errorf("items line %d: bad cost %q", line, cost)
			}
			out.costs[name] = n
		}
	}
	return out, sc.Err()
}

func printSchedule(st models.ClientSchedule) {
	fmt.Printf("refresh day: %s (today: %v)\n", st.AssignedWeekday, st.IsToday)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
