package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/mimir-aip/predict-client/pkg/api"
	"github.com/mimir-aip/predict-client/pkg/job"
	"github.com/mimir-aip/predict-client/pkg/models"
	"github.com/mimir-aip/predict-client/pkg/scheduler"
)

func (a *app) endpoints(ctx context.Context, args []string) error {
	c, err := a.connect(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FN\tAPI NAME\tINPUTS\tOUTPUTS\tQUEUED\tGENERATOR")
	for _, ep := range c.Endpoints() {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%t\t%t\n",
			ep.FnIndex, ep.APIName, ep.InputCount, ep.OutputCount, ep.Queued, ep.Generator)
	}
	return w.Flush()
}

// requestFlags registers the flags that select an endpoint
func requestFlags(fs *flag.FlagSet) (apiName *string, fnIndex *int) {
	apiName = fs.String("api", "", "api_name of the endpoint, e.g. /predict")
	fnIndex = fs.Int("fn", -1, "fn_index of the endpoint")
	return apiName, fnIndex
}

func buildRequest(apiName string, fnIndex int, args []string) models.PredictionRequest {
	req := models.PredictionRequest{APIName: apiName, Data: parseArgs(args)}
	if fnIndex >= 0 {
		req.FnIndex = models.Ptr(fnIndex)
	}
	return req
}

// parseArgs sends arguments that parse as JSON as JSON values and the rest
// as plain strings
func parseArgs(args []string) []any {
	data := make([]any, 0, len(args))
	for _, arg := range args {
		var v any
		if err := json.Unmarshal([]byte(arg), &v); err != nil {
			v = arg
		}
		data = append(data, v)
	}
	return data
}

func (a *app) predict(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	apiName, fnIndex := requestFlags(fs)
	timeout := fs.Duration("timeout", a.cfg.RequestTimeout, "how long to wait for the result")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := a.connect(ctx)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	result, err := c.Predict(waitCtx, buildRequest(*apiName, *fnIndex, fs.Args()))
	if err != nil {
		return err
	}
	return printJSON(result)
}

// submit streams every status change and output of one job. The first
// interrupt cancels the job; the command returns once it has ended.
func (a *app) submit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	apiName, fnIndex := requestFlags(fs)
	poll := fs.Duration("poll", 100*time.Millisecond, "status polling interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := a.connect(ctx)
	if err != nil {
		return err
	}

	// The job is not bound to ctx: an interrupt cancels it cooperatively
	// instead of abandoning it.
	j, err := c.Submit(context.WithoutCancel(ctx), buildRequest(*apiName, *fnIndex, fs.Args()))
	if err != nil {
		return err
	}
	fmt.Printf("job %s submitted\n", j.ID())

	ticker := time.NewTicker(*poll)
	defer ticker.Stop()

	interrupted := ctx.Done()
	var last models.StatusUpdate
	seen := false
	printed := 0
	for {
		if status, ok := j.Status(); ok && (!seen || !status.Equal(last)) {
			printStatus(status)
			last, seen = status, true
		}
		outputs := j.Outputs()
		for ; printed < len(outputs); printed++ {
			fmt.Printf("output %d: ", printed)
			printJSON(outputs[printed])
		}
		if j.Done() {
			break
		}

		select {
		case <-interrupted:
			fmt.Println("cancelling...")
			j.Cancel()
			interrupted = nil
		case <-ticker.C:
		}
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	j.Wait(waitCtx)
	_, err = j.Result(waitCtx)
	if errors.Is(err, job.ErrCancelled) {
		fmt.Println("job cancelled")
		return nil
	}
	return err
}

func printStatus(s models.StatusUpdate) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", s.Time.Format("15:04:05.000"), s.Code)
	if s.Rank != nil && s.QueueSize != nil {
		fmt.Fprintf(&b, " rank=%d/%d", *s.Rank, *s.QueueSize)
	}
	if s.ETA != nil {
		fmt.Fprintf(&b, " eta=%s", s.ETA.Round(100*time.Millisecond))
	}
	for _, p := range s.ProgressData {
		if p.Length != nil {
			fmt.Fprintf(&b, " %d/%d", p.Index, *p.Length)
		} else if p.Progress != nil {
			fmt.Fprintf(&b, " %.0f%%", *p.Progress*100)
		}
		if p.Unit != "" {
			fmt.Fprintf(&b, " %s", p.Unit)
		}
	}
	if s.Success != nil {
		fmt.Fprintf(&b, " success=%t", *s.Success)
	}
	if s.Message != "" {
		fmt.Fprintf(&b, " %q", s.Message)
	}
	fmt.Println(b.String())
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return nil
	}
	fmt.Println(string(data))
	return nil
}

// scheduler builds the schedule service from the config. Schedules without
// their own timeout use the request timeout.
func (a *app) scheduler(ctx context.Context) (*scheduler.Service, error) {
	c, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	store, err := a.openHistory()
	if err != nil {
		return nil, err
	}

	var opts []scheduler.Option
	if store != nil {
		opts = append(opts, scheduler.WithRunRecorder(store))
	}
	svc := scheduler.NewService(c, a.logger, opts...)
	for _, p := range a.cfg.Schedules {
		if p.Timeout == 0 {
			p.Timeout = a.cfg.RequestTimeout
		}
		if err := svc.Add(p); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", p.Name, err)
		}
	}
	return svc, nil
}

func (a *app) schedule(ctx context.Context, args []string) error {
	if len(a.cfg.Schedules) == 0 {
		return errors.New("no schedules configured")
	}
	svc, err := a.scheduler(ctx)
	if err != nil {
		return err
	}

	svc.Start()
	<-ctx.Done()
	a.logger.Info("Shutting down scheduler...")
	svc.Stop()
	return nil
}

func (a *app) serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	port := fs.String("port", a.cfg.Port, "port to listen on")
	if err := fs.Parse(args); err != nil {
		return err
	}

	svc, err := a.scheduler(ctx)
	if err != nil {
		return err
	}
	svc.Start()
	defer svc.Stop()

	server := api.NewServer(a.client, svc, *port, a.logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down gateway...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("Gateway shutdown incomplete", zap.Error(err))
	}
	return nil
}

func (a *app) history(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "number of entries to show, 0 for all")
	apiName := fs.String("api", "", "only jobs submitted to this api_name")
	runs := fs.Bool("runs", false, "list scheduled runs instead of jobs")
	schedule := fs.String("schedule", "", "with -runs, only runs of this schedule")
	prune := fs.Duration("prune", 0, "delete jobs that completed longer ago than this")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := a.openHistory()
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("history is disabled (history_path is empty)")
	}

	if *prune > 0 {
		deleted, err := store.DeleteBefore(ctx, time.Now().Add(-*prune))
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d job records\n", deleted)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if *runs {
		list, err := store.ListRuns(ctx, *schedule, *limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "STARTED\tSCHEDULE\tJOB\tSTATE\tDURATION\tERROR")
		for _, r := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.StartedAt.Format(time.DateTime), r.Schedule, r.JobID, r.State,
				r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond), r.Error)
		}
		return w.Flush()
	}

	var records []*models.JobRecord
	if *apiName != "" {
		records, err = store.ListByEndpoint(ctx, *apiName, *limit)
	} else {
		records, err = store.ListRecent(ctx, *limit)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "SUBMITTED\tJOB\tAPI NAME\tSTATE\tOUTPUTS\tDURATION\tERROR")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.SubmittedAt.Format(time.DateTime), r.ID, r.APIName, r.State,
			r.OutputCount, r.Duration().Round(time.Millisecond), r.Error)
	}
	return w.Flush()
}
