package main

import (
	"context"
	"database/sql/driver"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"text/tabwriter"
	"time"

	drv "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/velmie/courier"
	"github.com/velmie/courier/deadletter"
	"github.com/velmie/courier/outbox"
	"github.com/velmie/courier/saga"
)

const (
	exitOK          = 0
	exitInternal    = 1
	exitUsage       = 2
	exitNotFound    = 3
	exitConflict    = 4
	exitUnavailable = 5
)

type ctl struct {
	deadletters *deadletter.Handler
	sagas       *saga.Orchestrator
	logger      courier.Logger
	out         io.Writer
	errOut      io.Writer
}

func newCtl(dl deadletter.Store, ob outbox.Store, sg saga.Store, logger courier.Logger) *ctl {
	orchestrator := saga.NewOrchestrator(sg, saga.NewRegistry(),
		saga.WithOwner("courierctl"),
		saga.WithLogger(logger),
	)
	handler := deadletter.NewHandler(dl,
		deadletter.WithLogger(logger),
		deadletter.WithReplayer(deadletter.SourceOutbox, outbox.NewReplayer(ob, nil)),
		deadletter.WithReplayer(deadletter.SourceSaga, saga.NewReplayer(orchestrator)),
	)

	return &ctl{
		deadletters: handler,
		sagas:       orchestrator,
		logger:      logger,
		out:         io.Discard,
		errOut:      io.Discard,
	}
}

func (c *ctl) dispatch(ctx context.Context, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(c.errOut, "expected <command> <subcommand>")
		return exitUsage
	}

	var err error
	switch args[0] + " " + args[1] {
	case "deadletter list":
		err = c.listDeadLetters(ctx, args[2:])
	case "deadletter replay":
		err = c.replayDeadLetter(ctx, args[2:])
	case "saga status":
		err = c.sagaStatus(ctx, args[2:])
	default:
		fmt.Fprintf(c.errOut, "unknown command %q\n", args[0]+" "+args[1])
		return exitUsage
	}
	if err == nil {
		return exitOK
	}

	code := exitCode(err)
	if code != exitUsage {
		c.logger.Error("command failed", "command", args[0]+" "+args[1], "err", err)
	}
	fmt.Fprintln(c.errOut, err)

	return code
}

func (c *ctl) listDeadLetters(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("deadletter list", flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	var (
		source string
		since  string
		limit  int
	)
	fs.StringVar(&source, "source", "", "Only records from this source (outbox, saga or inbox)")
	fs.StringVar(&since, "since", "", "Only records moved at or after this RFC3339 time")
	fs.IntVar(&limit, "limit", 0, "Maximum records to list")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	filter := deadletter.Filter{Source: deadletter.SourceType(source), Limit: limit}
	if source != "" && !filter.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", errUsage, source)
	}
	if since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return fmt.Errorf("%w: invalid -since: %v", errUsage, err)
		}
		filter.Since = ts
	}

	records, err := c.deadletters.ListPending(ctx, filter)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSOURCE\tSOURCE ID\tATTEMPTS\tMOVED AT\tLAST ERROR")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.ID, rec.SourceType, rec.SourceID, rec.Attempts,
			rec.MovedAt.UTC().Format(time.RFC3339), oneLine(rec.LastError, 80))
	}

	return tw.Flush()
}

func (c *ctl) replayDeadLetter(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("deadletter replay", flag.ContinueOnError)
	fs.SetOutput(c.errOut)
	var reset bool
	fs.BoolVar(&reset, "reset-attempts", false, "Restart the retry budget from zero")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	id, err := idArg(fs.Args())
	if err != nil {
		return err
	}

	if err := c.deadletters.Replay(ctx, id, deadletter.ReplayOptions{ResetAttempts: reset}); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "replayed %s\n", id)

	return nil
}

func (c *ctl) sagaStatus(ctx context.Context, args []string) error {
	id, err := idArg(args)
	if err != nil {
		return err
	}

	inst, steps, err := c.sagas.Status(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "saga %s type=%s state=%s step=%d attempt=%d updated=%s\n",
		inst.ID, inst.Type, inst.State, inst.CurrentStep, inst.Attempt,
		inst.UpdatedAt.UTC().Format(time.RFC3339))
	if inst.LastError != "" {
		fmt.Fprintf(c.out, "last error: %s\n", oneLine(inst.LastError, 200))
	}

	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tNAME\tSTATUS\tATTEMPTS\tLAST ERROR")
	for _, step := range steps {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n",
			step.Index, step.Name, step.Status, step.Attempts, oneLine(step.LastError, 80))
	}

	return tw.Flush()
}

func idArg(args []string) (uuid.UUID, error) {
	if len(args) != 1 {
		return uuid.Nil, fmt.Errorf("%w: expected exactly one id", errUsage)
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid id %q", errUsage, args[0])
	}

	return id, nil
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, errUsage):
		return exitUsage
	case errors.Is(err, courier.ErrNotFound):
		return exitNotFound
	case errors.Is(err, courier.ErrConflict),
		errors.Is(err, deadletter.ErrSourceNotFailed),
		errors.Is(err, saga.ErrLocked):
		return exitConflict
	case unavailable(err):
		return exitUnavailable
	default:
		return exitInternal
	}
}

func unavailable(err error) bool {
	var opErr *net.OpError

	return errors.As(err, &opErr) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, drv.ErrInvalidConn) ||
		errors.Is(err, context.DeadlineExceeded)
}

func oneLine(s string, limit int) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			r = ' '
		}
		out = append(out, r)
		if len(out) == limit {
			return string(out) + "..."
		}
	}

	return string(out)
}
