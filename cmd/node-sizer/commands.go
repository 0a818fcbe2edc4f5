package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/node-sizer/internal/domain"
	"github.com/hochfrequenz/node-sizer/internal/features"
	"github.com/hochfrequenz/node-sizer/internal/pipeline"
	"github.com/hochfrequenz/node-sizer/internal/retrain"
	"github.com/hochfrequenz/node-sizer/internal/runner"
	"github.com/hochfrequenz/node-sizer/internal/tier"
)

// changeFlags select the change-set a command sizes
type changeFlags struct {
	base    string
	head    string
	branch  string
	buildID string
}

func (f *changeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.base, "base", features.DefaultBase, "baseline revision")
	cmd.Flags().StringVar(&f.head, "head", "HEAD", "revision to size")
	cmd.Flags().StringVar(&f.branch, "branch", "", "branch name, overrides the VCS")
	cmd.Flags().StringVar(&f.buildID, "build-id", "", "build identifier (default random UUID)")
}

func (f *changeFlags) ref(a *app) features.ChangeRef {
	return features.ChangeRef{
		Base:      f.base,
		Head:      f.head,
		Branch:    f.branch,
		BuildType: a.cfg.BuildType(),
	}
}

func (f *changeFlags) id() string {
	if f.buildID == "" {
		f.buildID = uuid.NewString()
	}
	return f.buildID
}

var (
	extractFlags  changeFlags
	classifyFlags changeFlags
	classifyJSON  bool
	classifyInput string
	runFlags      changeFlags
	runDir        string
	runTimeout    time.Duration
	retrainForce  bool
	reportLimit   int
	servePort     int
)

func init() {
	// extract command
	extractCmd := &cobra.Command{
		Use:   "extract",
		Short: "Print the feature vector of a change-set",
		RunE:  runExtract,
	}
	extractFlags.register(extractCmd)
	rootCmd.AddCommand(extractCmd)

	// classify command
	classifyCmd := &cobra.Command{
		Use:   "classify",
		Short: "Predict resources and print the tier for a build",
		RunE:  runClassify,
	}
	classifyFlags.register(classifyCmd)
	classifyCmd.Flags().BoolVar(&classifyJSON, "json", false, "print the full decision as JSON")
	classifyCmd.Flags().StringVar(&classifyInput, "features", "", "read the feature vector from a JSON file (- for stdin) instead of the VCS")
	rootCmd.AddCommand(classifyCmd)

	// run command
	runCmd := &cobra.Command{
		Use:   "run -- COMMAND [ARGS...]",
		Short: "Size, execute and measure a build",
		Long: `Size, execute and measure a build.

A single argument is run as a shell script (run -- "make && make test").
Several arguments are executed directly, each passed through unchanged
(run -- printf "[%s]\n" "a b").`,
		Args: cobra.MinimumNArgs(1),
		RunE:  runRun,
	}
	runFlags.register(runCmd)
	runCmd.Flags().StringVar(&runDir, "dir", "", "working directory of the build")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "build timeout (0 for none)")
	rootCmd.AddCommand(runCmd)

	// retrain command
	retrainCmd := &cobra.Command{
		Use:   "retrain",
		Short: "Retrain the model when enough records are available",
		RunE:  runRetrain,
	}
	retrainCmd.Flags().BoolVar(&retrainForce, "force", false, "train regardless of the record threshold")
	rootCmd.AddCommand(retrainCmd)

	// tiers command
	tiersCmd := &cobra.Command{
		Use:   "tiers",
		Short: "List agent tiers",
		RunE:  runTiers,
	}
	rootCmd.AddCommand(tiersCmd)

	// report command
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize sizing decisions and outcomes",
		RunE:  runReport,
	}
	reportCmd.Flags().IntVar(&reportLimit, "limit", 10, "recent builds to list")
	rootCmd.AddCommand(reportCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and scheduled retraining",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runExtract(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}

	res := a.extractor().Extract(cmd.Context(), extractFlags.ref(a))
	return printJSON(cmd.OutOrStdout(), res.Features)
}

func runClassify(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}

	store := a.openHistory()
	if store != nil {
		defer store.Close()
	}
	opts := []pipeline.Option{pipeline.WithLogger(a.logger)}
	if store != nil {
		opts = append(opts, pipeline.WithLedger(store))
	}
	p := pipeline.New(a.extractor(), a.predictor(snapshotVersion(a.cfg.Model.Path)), a.tiers, opts...)

	var d domain.Decision
	if classifyInput != "" {
		fv, err := readFeatures(cmd.InOrStdin(), classifyInput)
		if err != nil {
			return err
		}
		if classifyFlags.branch != "" {
			fv.Branch = classifyFlags.branch
		}
		if fv.BuildType == "" {
			fv.BuildType = a.cfg.BuildType()
		}
		d, err = p.ClassifyFeatures(cmd.Context(), classifyFlags.id(), fv)
		if err != nil {
			return err
		}
	} else {
		d, err = p.Classify(cmd.Context(), classifyFlags.id(), classifyFlags.ref(a))
		if err != nil {
			return err
		}
	}

	if classifyJSON {
		return printJSON(cmd.OutOrStdout(), d)
	}
	fmt.Fprintln(cmd.OutOrStdout(), d.Tier.Name)
	return nil
}

func readFeatures(stdin io.Reader, path string) (domain.FeatureVector, error) {
	var fv domain.FeatureVector
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fv, err
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&fv); err != nil {
		return fv, fmt.Errorf("reading features: %w", err)
	}
	return fv, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}

	store := a.openHistory()
	if store != nil {
		defer store.Close()
	}
	p := a.pipeline(snapshotVersion(a.cfg.Model.Path), store)

	job := buildJob(runFlags.id(), args)
	job.Dir = runDir
	job.Timeout = runTimeout
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	onOutput := func(stream, line string) {
		if stream == "stderr" {
			fmt.Fprintln(stderr, line)
			return
		}
		fmt.Fprintln(stdout, line)
	}

	report, err := p.Run(cmd.Context(), runFlags.ref(a), job, onOutput)
	if report != nil && report.Completion != nil {
		u := report.Completion.Usage
		fmt.Fprintf(stderr, "node-sizer: build %s on %s (%s): peak %s, avg cpu %.1f%%, %s [%s]\n",
			report.Decision.BuildID,
			report.Decision.Tier.Name,
			formatGB(report.Decision.Tier.CapacityGB),
			humanize.IBytes(uint64(u.MemoryMaxMB*1024*1024)),
			u.CPUAvg,
			u.Elapsed.Round(time.Second),
			report.Completion.Status)
		if t := report.Completion.Training; t != nil {
			fmt.Fprintf(stderr, "node-sizer: retraining: %s\n", t.Reason)
		}
	}
	if err != nil {
		return err
	}
	if report.Result != nil && report.Result.ExitCode != 0 {
		return &exitError{code: report.Result.ExitCode}
	}
	return nil
}

// buildJob turns the arguments after -- into a job. A single argument is a
// shell script; several are an argv executed without a shell.
func buildJob(id string, args []string) runner.Job {
	if len(args) == 1 {
		return runner.Job{ID: id, Command: args[0]}
	}
	return runner.Job{ID: id, Args: append([]string(nil), args...)}
}

func runRetrain(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}

	store := a.openHistory()
	var opts []retrain.Option
	if store != nil {
		defer store.Close()
		opts = append(opts, retrain.WithRecorder(store))
	}
	gate := a.gate(a.corpus(), opts...)

	decision := gate.Evaluate(gate.MinRecords())
	fmt.Fprintf(cmd.OutOrStdout(), "Records: %s / %s\n",
		humanize.Comma(int64(decision.RecordCount)), humanize.Comma(int64(decision.MinRecords)))
	if !decision.Eligible && !retrainForce {
		fmt.Fprintln(cmd.OutOrStdout(), decision.Reason)
		return nil
	}

	result := gate.TriggerTraining(cmd.Context())
	if !result.Trained {
		return fmt.Errorf("%s", result.Reason)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Installed model %s in %s\n",
		result.ModelVersion, result.FinishedAt.Sub(result.StartedAt).Round(time.Second))
	if m := result.Metrics; m != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "R2 %.3f | MAE %.3f | %d train / %d test samples\n",
			m.R2Score, m.MAE, m.TrainingSamples, m.TestSamples)
	}
	return nil
}

func runTiers(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	printTiers(cmd.OutOrStdout(), a.tiers)
	return nil
}

func printTiers(out io.Writer, t *tier.Table) {
	dflt := t.Default().Name
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCAPACITY\tFITS UP TO\tINSTANCE\t$/HOUR\tSLOTS")
	for _, tr := range t.Tiers() {
		name := tr.Name
		if name == dflt {
			name += " *"
		}
		instance := tr.Instance
		if instance == "" {
			instance = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			name,
			formatGB(tr.CapacityGB),
			formatGB(tr.CapacityGB/tier.BufferMargin),
			instance,
			humanize.FormatFloat("#,###.####", tr.HourlyCost),
			tr.ExecutorSlots)
	}
	w.Flush()
}

func runReport(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}

	store := a.openHistory()
	if store == nil {
		return fmt.Errorf("history database unavailable: %s", a.cfg.History.DatabasePath)
	}
	defer store.Close()

	sum, err := store.Summary(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Builds: %s classified | %s completed | %s successful | %s undersized\n",
		humanize.Comma(int64(sum.Builds)),
		humanize.Comma(int64(sum.Completed)),
		humanize.Comma(int64(sum.Successful)),
		humanize.Comma(int64(sum.Undersized)))
	fmt.Fprintf(out, "Mean absolute memory error: %s\n", formatGB(sum.MeanAbsMemoryErrorGB))
	fmt.Fprintf(out, "Estimated agent cost: $%s\n", humanize.CommafWithDigits(sum.EstimatedCostUSD, 2))
	fmt.Fprintf(out, "Corpus: %s records in %s\n", humanize.Comma(int64(a.corpus().Count())), a.cfg.Corpus.Path)
	if sum.TrainingRuns > 0 {
		fmt.Fprintf(out, "Training: %d runs, model %s installed %s\n",
			sum.TrainingRuns, sum.LastModelVersion, humanize.Time(sum.LastTrainedAt))
	}

	if len(sum.PerTier) > 0 {
		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIER\tBUILDS")
		for _, tr := range a.tiers.Tiers() {
			if n := sum.PerTier[tr.Name]; n > 0 {
				fmt.Fprintf(w, "%s\t%s\n", tr.Name, humanize.Comma(int64(n)))
			}
		}
		w.Flush()
	}

	entries, err := store.RecentEntries(cmd.Context(), reportLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BUILD\tTIER\tPREDICTED\tPEAK\tSTATUS\tWHEN")
	for _, e := range entries {
		peak, status := "-", "running"
		if e.Completed {
			peak = humanize.IBytes(uint64(e.Usage.MemoryMaxMB * 1024 * 1024))
			status = string(e.Status)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Decision.BuildID,
			e.Decision.Tier.Name,
			formatGB(e.Decision.Estimate.MemoryGB),
			peak,
			status,
			humanize.Time(e.Decision.DecidedAt))
	}
	w.Flush()
	return nil
}

func formatGB(gb float64) string {
	if gb <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(gb * 1024 * 1024 * 1024))
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
