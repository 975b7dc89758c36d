package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"postsched/internal/app"
	"postsched/internal/client"
	"postsched/internal/task/engine"
)

const stopTimeout = 15 * time.Second

var (
	globalFlags = []cli.Flag{
		cli.StringFlag{
			Name:   "addr, a",
			Usage:  "address of a running postsched API",
			Value:  "127.0.0.1:8080",
			EnvVar: "POSTSCHED_ADDR",
		},
		cli.StringFlag{
			Name:   "api-token",
			Usage:  "bearer token for the API (http.token)",
			EnvVar: "POSTSCHED_TOKEN",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Usage: "request timeout",
			Value: 30 * time.Second,
		},
	}

	serveFlags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Usage:  "path to config file (json or yaml)",
			Value:  "./postsched.yaml",
			EnvVar: "POSTSCHED_CONFIG",
		},
	}

	scheduleFlags = []cli.Flag{
		cli.StringFlag{Name: "text, t", Usage: "post text"},
		cli.StringFlag{Name: "image, i", Usage: "path to a JPEG or PNG image"},
		cli.StringFlag{Name: "token", Usage: "platform access token for the post", EnvVar: "POSTSCHED_POST_TOKEN"},
		cli.StringFlag{Name: "provider, p", Usage: "twitter or telegram (default: server default)"},
		cli.StringFlag{Name: "start-date", Usage: "first day, YYYY-MM-DD"},
		cli.StringFlag{Name: "start-time", Usage: "time of day, HH:MM"},
		cli.StringFlag{Name: "end-date", Usage: "last day (inclusive), required unless --frequency once"},
		cli.StringFlag{Name: "frequency, f", Usage: "once, daily or weekly", Value: "once"},
		cli.StringFlag{Name: "timezone, z", Usage: "IANA zone (default: server timezone)"},
	}

	jobsFlags = []cli.Flag{
		cli.StringFlag{Name: "state, s", Usage: "pending, running, succeeded, failed or cancelled"},
		cli.StringFlag{Name: "schedule", Usage: "only jobs of this schedule id"},
		cli.IntFlag{Name: "limit, n", Usage: "max jobs to list (0 = all)"},
	}
)

func newApp() *cli.App {
	a := cli.NewApp()
	a.Name = "postsched"
	a.HelpName = "postsched"
	a.Usage = "schedule image posts to social platforms"
	a.UsageText = "postsched [global options] <command> [arguments...]"
	a.Version = fmt.Sprintf("%s (%s)", version, commit)
	a.Flags = globalFlags
	a.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the scheduler and its HTTP API",
			Flags:  serveFlags,
			Action: serve,
		},
		{
			Name:      "schedule",
			Aliases:   []string{"s"},
			Usage:     "schedule a post on a running server",
			Flags:     scheduleFlags,
			Action:    schedule,
			UsageText: "postsched schedule --text TEXT --image FILE --token TOKEN --start-date DATE --start-time HH:MM [--frequency daily --end-date DATE]",
		},
		{
			Name:    "jobs",
			Aliases: []string{"ls"},
			Usage:   "list jobs",
			Flags:   jobsFlags,
			Action:  jobs,
		},
		{
			Name:      "job",
			Usage:     "show one job and its history",
			ArgsUsage: "<job-id>",
			Action:    job,
		},
		{
			Name:      "cancel",
			Usage:     "cancel a pending job",
			ArgsUsage: "<job-id>",
			Action:    cancelJob,
		},
		{
			Name:      "cancel-schedule",
			Usage:     "cancel every pending job of a schedule",
			ArgsUsage: "<schedule-id>",
			Action:    cancelSchedule,
		},
		{
			Name:   "health",
			Usage:  "show server health",
			Action: health,
		},
	}
	return a
}

func serve(ctx *cli.Context) error {
	cfgPath := ctx.String("config")
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(runCtx); err != nil {
		stopCtx, c := context.WithTimeout(context.Background(), stopTimeout)
		_ = a.Stop(stopCtx, app.StopFatalError)
		c()
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, c := context.WithTimeout(context.Background(), stopTimeout)
	defer c()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			return err
		}
	}
	return nil
}

func newClient(ctx *cli.Context) *client.Client {
	return client.New(ctx.GlobalString("addr"), ctx.GlobalString("api-token"), ctx.GlobalDuration("timeout"))
}

func printJSON(ctx *cli.Context, v any) error {
	enc := json.NewEncoder(ctx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireArg(ctx *cli.Context, name string) (string, error) {
	v := ctx.Args().First()
	if v == "" {
		return "", fmt.Errorf("%s: missing %s", ctx.Command.Name, name)
	}
	return v, nil
}

func schedule(ctx *cli.Context) error {
	req := client.ScheduleRequest{
		Text:      ctx.String("text"),
		Token:     ctx.String("token"),
		Provider:  ctx.String("provider"),
		StartDate: ctx.String("start-date"),
		StartTime: ctx.String("start-time"),
		EndDate:   ctx.String("end-date"),
		Frequency: ctx.String("frequency"),
		Timezone:  ctx.String("timezone"),
	}
	if path := ctx.String("image"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("image: %w", err)
		}
		defer f.Close()
		req.Image = f
		req.ImageName = filepath.Base(path)
	}
	res, err := newClient(ctx).Schedule(context.Background(), req)
	if err != nil {
		return err
	}
	return printJSON(ctx, res)
}

func jobs(ctx *cli.Context) error {
	f := engine.Filter{ScheduleID: ctx.String("schedule"), Limit: ctx.Int("limit")}
	if raw := ctx.String("state"); raw != "" {
		st, err := engine.ParseState(raw)
		if err != nil {
			return err
		}
		f.State = st
	}
	list, err := newClient(ctx).Jobs(context.Background(), f)
	if err != nil {
		return err
	}
	return printJSON(ctx, list)
}

func job(ctx *cli.Context) error {
	id, err := requireArg(ctx, "job id")
	if err != nil {
		return err
	}
	v, err := newClient(ctx).Job(context.Background(), id)
	if err != nil {
		return err
	}
	return printJSON(ctx, v)
}

func cancelJob(ctx *cli.Context) error {
	id, err := requireArg(ctx, "job id")
	if err != nil {
		return err
	}
	if err := newClient(ctx).Cancel(context.Background(), id); err != nil {
		if errors.Is(err, client.ErrNotFound) {
			return fmt.Errorf("job %s is not pending (or unknown)", id)
		}
		return err
	}
	_, err = fmt.Fprintf(ctx.App.Writer, "cancelled %s\n", id)
	return err
}

func cancelSchedule(ctx *cli.Context) error {
	id, err := requireArg(ctx, "schedule id")
	if err != nil {
		return err
	}
	n, err := newClient(ctx).CancelSchedule(context.Background(), id)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.App.Writer, "cancelled %d pending job(s) of %s\n", n, id)
	return err
}

func health(ctx *cli.Context) error {
	h, err := newClient(ctx).Health(context.Background())
	if h != nil {
		if perr := printJSON(ctx, h); perr != nil {
			return perr
		}
	}
	return err
}
