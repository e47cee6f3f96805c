// Command trades inspects and resolves trades in the engine's store while
// the engine runs.
//
//	trades list-unmanaged
//	trades resolve <id> open|closed [-price P]
//	trades force-exit <id>
//	trades summary
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"tradeEngine/config"
	"tradeEngine/internal/adapters/logger"
	"tradeEngine/internal/adapters/sqlite"
	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"
	"tradeEngine/internal/supervisor"

	"github.com/google/uuid"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}

func run(args []string) error {
	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	appLogger, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Sync()

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger.Named("store")})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer repo.Close()

	c := &commands{repo: repo, out: os.Stdout, now: time.Now}
	return c.dispatch(ctx, args)
}

type commands struct {
	repo ports.TradeRepository
	out  io.Writer
	now  func() time.Time
}

func (c *commands) dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: trades list-unmanaged | resolve <id> open|closed [-price P] | force-exit <id> | summary")
	}
	switch args[0] {
	case "list-unmanaged":
		return c.listUnmanaged(ctx)
	case "resolve":
		return c.resolve(ctx, args[1:])
	case "force-exit":
		return c.forceExit(ctx, args[1:])
	case "summary":
		return c.summary(ctx)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func (c *commands) listUnmanaged(ctx context.Context) error {
	trades, err := c.repo.ListUnmanaged(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPAIR\tSIDE\tAMOUNT\tOPEN RATE\tREASON")
	for _, t := range trades {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.8f\t%.8f\t%s\n", t.ID, t.Pair, t.Direction, t.Amount, t.OpenRate, t.UnmanagedReason)
	}
	return w.Flush()
}

func (c *commands) resolve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	fs.SetOutput(c.out)
	price := fs.Float64("price", 0, "price the position was flattened at (closed only)")
	if len(args) < 2 {
		return fmt.Errorf("usage: trades resolve <id> open|closed [-price P]")
	}
	id, err := tradeID(args[0])
	if err != nil {
		return err
	}
	if err := fs.Parse(args[2:]); err != nil {
		return err
	}
	res := domain.Resolution(args[1])
	if args[1] == "open" {
		res = domain.ResolveReopen
	}

	now := c.now()
	t, err := c.repo.Update(ctx, id, func(tr *domain.Trade) error {
		return tr.Resolve(res, *price, "manual-"+uuid.NewString(), now)
	})
	if err != nil {
		return fmt.Errorf("resolve trade %d: %w", id, err)
	}
	fmt.Fprintf(c.out, "trade %d is %s\n", t.ID, t.Status)
	return nil
}

func (c *commands) forceExit(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: trades force-exit <id>")
	}
	id, err := tradeID(args[0])
	if err != nil {
		return err
	}
	if _, err := c.repo.Update(ctx, id, supervisor.RequestExit); err != nil {
		return fmt.Errorf("force exit trade %d: %w", id, err)
	}
	fmt.Fprintf(c.out, "exit requested for trade %d; the engine submits it on its next tick\n", id)
	return nil
}

func (c *commands) summary(ctx context.Context) error {
	active, err := c.repo.CountActive(ctx)
	if err != nil {
		return err
	}
	profit, err := c.repo.GetTotalProfit(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "active trades: %d\nrealized profit: %.8f\n", active, profit)
	return nil
}

func tradeID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid trade id %q", s)
	}
	return id, nil
}
