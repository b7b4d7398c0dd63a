package leasecli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/lfarizav/rhubarbe/internal/config"
	"github.com/lfarizav/rhubarbe/internal/events"
	"github.com/lfarizav/rhubarbe/internal/leases"
	"github.com/lfarizav/rhubarbe/internal/logging"
	"github.com/lfarizav/rhubarbe/internal/metrics"
	"github.com/lfarizav/rhubarbe/pkg/types"
)

// ErrAccessDenied is returned by --check when the caller holds no valid lease.
var ErrAccessDenied = errors.New("access currently denied")

const helpMessage = `
Enter one of the letters inside [], and answer the questions

A lease index is a number as shown on the left in the leases list

Times can be entered simply as
* just 14, or 14:00, for today at 2p.m.
* 14:30 for today at 2:30 p.m., or
* 27T10:30 for the 27th this month at 10:30 a.m., or
* 12-10T01:00 for the 12th december this year at 1 a.m., or
* 2016-01-02T08:00 for January 2nd, 2016, at 8:00

All times are understood as local time.

Leaving a time empty means either 'now', or 'do not change', depending on the context
`

// Manager is the part of the lease store the command drives.
type Manager interface {
	Fetch(ctx context.Context)
	Refresh(ctx context.Context)
	IsValid(ctx context.Context) bool
	Privileged() bool
	WriteListing(ctx context.Context, w io.Writer) error
	Create(ctx context.Context, owner, from, until string) (leases.Lease, error)
	Update(ctx context.Context, rank int, from, until string) error
	Delete(ctx context.Context, rank int) error
}

type Dependencies struct {
	In  io.Reader
	Out io.Writer
	Now func() time.Time
	// Store overrides building the lease store from configuration.
	Store func(ctx context.Context, cfg config.Config) (Manager, error)
}

// Run implements the leases subcommand.
func Run(ctx context.Context, args []string, deps Dependencies) error {
	if deps.In == nil {
		deps.In = os.Stdin
	}
	if deps.Out == nil {
		deps.Out = os.Stdout
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	fs := pflag.NewFlagSet("leases", pflag.ContinueOnError)
	fs.SetOutput(deps.Out)
	configPath := fs.String("config", "", "Path to configuration file (default $RHUBARBE_CONFIG or "+config.DefaultConfigPath+")")
	check := fs.BoolP("check", "c", false, "Check if you currently have a lease")
	interactive := fs.BoolP("interactive", "i", false, "Interactively prompt for commands (create, update, delete)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(ctx, config.ResolvePath(*configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	buildStore := deps.Store
	if buildStore == nil {
		logger, closer, err := logging.OpenFile(cfg.Logging.File, cfg.Logging.Level)
		if err != nil {
			logger = logging.New(logging.Options{Writer: os.Stderr, Level: cfg.Logging.Level})
			logger.Warn("general log file unavailable, logging to stderr", "error", err)
		} else {
			defer closer.Close()
		}
		leaseMetrics := metrics.NewStore()
		defer logLeaseTelemetry(logger, leaseMetrics)
		buildStore = func(ctx context.Context, cfg config.Config) (Manager, error) {
			return BuildStore(ctx, cfg, StoreOptions{
				Logger: logger,
				Publisher: events.Func(func(msg types.Message) {
					logger.Warn("lease notice", "message", msg.Format())
				}),
				Metrics: leaseMetrics.LeaseRecorder(),
			})
		}
	}
	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}

	if *check {
		if store.IsValid(ctx) {
			return nil
		}
		fmt.Fprintln(deps.Out, "WARNING: Access currently denied")
		return ErrAccessDenied
	}

	store.Fetch(ctx)
	if err := store.WriteListing(ctx, deps.Out); err != nil {
		return err
	}
	if !*interactive {
		return nil
	}
	s := session{store: store, in: bufio.NewScanner(deps.In), out: deps.Out, now: deps.Now}
	return s.loop(ctx)
}

// logLeaseTelemetry records the fetch and entitlement counters of one run
// in the general log.
func logLeaseTelemetry(logger *slog.Logger, store *metrics.Store) {
	snap := store.Snapshot()
	logger.Info("lease session summary",
		"fetch_ok", snap.FetchOKTotal,
		"fetch_failed", snap.FetchFailedTotal,
		"granted", snap.GrantedTotal,
		"denied", snap.DeniedTotal)
}

type session struct {
	store Manager
	in    *bufio.Scanner
	out   io.Writer
	now   func() time.Time
}

var errEOF = errors.New("end of input")

func (s *session) ask(prompt string) (string, error) {
	fmt.Fprint(s.out, prompt)
	if !s.in.Scan() {
		if err := s.in.Err(); err != nil {
			return "", err
		}
		return "", errEOF
	}
	return strings.TrimSpace(s.in.Text()), nil
}

func (s *session) loop(ctx context.Context) error {
	if !s.store.Privileged() {
		fmt.Fprintln(s.out, "Lease management available to root only for now")
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			fmt.Fprintln(s.out, "Bye")
			return nil
		}
		answer, err := s.ask(fmt.Sprintf("%s - Enter command ([l]ist, [a]dd, [u]pdate, [d]elete, [r]efresh, [h]elp, [q]uit : ",
			s.now().Format("15:04")))
		if err != nil {
			return s.bye(err)
		}
		command := "l"
		if answer != "" {
			command = strings.ToLower(answer[:1])
		}
		switch command {
		case "l":
			if err := s.store.WriteListing(ctx, s.out); err != nil {
				return err
			}
		case "a":
			if err := s.add(ctx); err != nil {
				return s.bye(err)
			}
		case "u":
			if err := s.update(ctx); err != nil {
				return s.bye(err)
			}
		case "d":
			if err := s.remove(ctx); err != nil {
				return s.bye(err)
			}
		case "r":
			s.store.Refresh(ctx)
			if err := s.store.WriteListing(ctx, s.out); err != nil {
				return err
			}
		case "h":
			fmt.Fprint(s.out, helpMessage)
		case "q":
			fmt.Fprintln(s.out, "bye")
			return nil
		default:
			fmt.Fprintf(s.out, "Command not understood %s\n", answer)
		}
	}
}

func (s *session) bye(err error) error {
	if errors.Is(err, errEOF) {
		fmt.Fprintln(s.out, "Bye")
		return nil
	}
	return err
}

func (s *session) report(err error) {
	if err != nil {
		fmt.Fprintln(s.out, err)
		return
	}
	fmt.Fprintln(s.out, "OK")
}

func (s *session) add(ctx context.Context) error {
	owner, err := s.ask("For slice name : ")
	if err != nil {
		return err
	}
	from, err := s.ask("From : ")
	if err != nil {
		return err
	}
	until, err := s.ask("Until : ")
	if err != nil {
		return err
	}
	_, err = s.store.Create(ctx, owner, from, until)
	s.report(err)
	s.store.Fetch(ctx)
	return nil
}

func (s *session) askRank() (int, bool, error) {
	answer, err := s.ask("Enter lease index : ")
	if err != nil {
		return 0, false, err
	}
	rank, convErr := strconv.Atoi(answer)
	if convErr != nil {
		fmt.Fprintf(s.out, "Cannot find lease with rank %s\n", answer)
		return 0, false, nil
	}
	return rank, true, nil
}

func (s *session) update(ctx context.Context) error {
	rank, ok, err := s.askRank()
	if err != nil || !ok {
		return err
	}
	from, err := s.ask("From : ")
	if err != nil {
		return err
	}
	until, err := s.ask("Until : ")
	if err != nil {
		return err
	}
	s.report(s.store.Update(ctx, rank, from, until))
	s.store.Fetch(ctx)
	return nil
}

func (s *session) remove(ctx context.Context) error {
	rank, ok, err := s.askRank()
	if err != nil || !ok {
		return err
	}
	s.report(s.store.Delete(ctx, rank))
	s.store.Fetch(ctx)
	return nil
}
