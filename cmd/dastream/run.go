package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/usnistgov/dastream"
	"github.com/usnistgov/dastream/internal/blockwriter"
	"github.com/usnistgov/dastream/internal/publish"
	"github.com/usnistgov/dastream/internal/publish/zmqpub"
	"github.com/usnistgov/dastream/internal/rundb"
)

func newRunCommand() *cobra.Command {
	var configFile, cpuprofile, logdir string
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Acquire from the simulated source until stopped or complete",
		RunE: func(cmd *cobra.Command, args []string) error {
			if logdir == "" {
				HOME, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				logdir = filepath.Join(HOME, ".dastream", "logs")
			}
			problemname, logname, err := startLogging(logdir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			banner := fmt.Sprintf("\nThis is dastream version %s (git commit %s)\n", dastream.Build.Version, githash)
			fmt.Fprint(out, banner)
			fmt.Fprintf(out, "Logging problems to %s\n", problemname)
			fmt.Fprintf(out, "Logging updates  to %s\n\n", logname)
			dastream.UpdateLogger.Printf("\n\n\n\n%s", banner)

			if err := setupViper(v, configFile); err != nil {
				return err
			}
			cfg, err := loadAppConfig(v)
			if err != nil {
				return err
			}
			dastream.UpdateLogger.Printf("Configuration:\n%s", spew.Sdump(cfg))

			if cpuprofile != "" {
				f, err := os.Create(cpuprofile)
				if err != nil {
					return err
				}
				defer f.Close()
				if err := pprof.StartCPUProfile(f); err != nil {
					return err
				}
				defer pprof.StopCPUProfile()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runStream(ctx, cfg, out)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "config file (default is $HOME/.dastream/config.yaml)")
	flags.StringVar(&cpuprofile, "cpuprofile", "", "write CPU profile to given file")
	flags.StringVar(&logdir, "logdir", "", "directory for log files (default is $HOME/.dastream/logs)")
	flags.Int64("target-samples", 0, "stop after this many post-trigger scans (0 runs until interrupted)")
	flags.String("output", "", "directory for .npz output files")
	flags.Int("publish-port", 0, "TCP port for ZMQ status messages (0 disables)")
	_ = v.BindPFlag("target_samples", flags.Lookup("target-samples"))
	_ = v.BindPFlag("output.directory", flags.Lookup("output"))
	_ = v.BindPFlag("publish.port", flags.Lookup("publish-port"))
	return cmd
}

// blockSummary is the message published for each retained block.
type blockSummary struct {
	FirstScan int64     `json:"first_scan"`
	Scans     int       `json:"scans"`
	Means     []float64 `json:"means"`
	StdDevs   []float64 `json:"stddevs,omitempty"`
}

// streamConsumer hands retained blocks to the file writer and publisher, either
// of which may be absent.
type streamConsumer struct {
	writer    *blockwriter.Writer
	publisher *publish.Publisher
	summaries bool
}

func (sc *streamConsumer) Ready() bool {
	return sc.writer == nil || sc.writer.Ready()
}

func (sc *streamConsumer) Consume(b dastream.Block) error {
	if sc.publisher != nil && sc.summaries {
		means, stddevs := b.ChannelStats()
		if b.Scans() < 2 {
			stddevs = nil
		}
		msg := blockSummary{FirstScan: b.FirstScan, Scans: b.Scans(), Means: means, StdDevs: stddevs}
		if err := sc.publisher.Publish("BLOCK", msg); err != nil {
			dastream.ProblemLogger.Printf("Could not publish block summary: %v", err)
		}
	}
	if sc.writer != nil {
		return sc.writer.Consume(b)
	}
	return nil
}

// runStream runs one acquisition with the simulated source, as cfg says, until
// ctx is done or the run ends by itself. An interrupt is a normal end.
func runStream(ctx context.Context, cfg AppConfig, out io.Writer) (err error) {
	source, err := dastream.NewSimSource(cfg.Simulation)
	if err != nil {
		return err
	}
	session := dastream.NewStreamSession(source)
	runID := rundb.NewID()
	consumer := &streamConsumer{summaries: cfg.Publish.BlockSummaries}

	if cfg.Publish.Port > 0 {
		sock, bindErr := zmqpub.BindPort(cfg.Publish.Port)
		if bindErr != nil {
			return bindErr
		}
		consumer.publisher = publish.New(sock, cfg.Publish.QueueLimit, dastream.ProblemLogger)
		defer func() {
			if closeErr := consumer.publisher.Close(); err == nil {
				err = closeErr
			}
		}()
	}

	if cfg.Output.Directory != "" {
		if err := os.MkdirAll(cfg.Output.Directory, 0775); err != nil {
			return err
		}
		filename := filepath.Join(cfg.Output.Directory, fmt.Sprintf("dastream_%s.npz", runID))
		writer, createErr := blockwriter.Create(filename, cfg.Output.QueueDepth, cfg.Output.FlushInterval)
		if createErr != nil {
			return createErr
		}
		consumer.writer = writer
		fmt.Fprintf(out, "Writing retained blocks to %s\n", filename)
		defer func() {
			if closeErr := writer.Close(); err == nil {
				err = closeErr
			}
		}()
	}

	db := rundb.Disconnected()
	if cfg.Database.Enabled {
		abort := make(chan struct{})
		activity := &rundb.ActivityMessage{
			ID:        rundb.NewID(),
			Hostname:  dastream.Build.Host,
			Githash:   dastream.Build.Githash,
			Version:   dastream.Build.Version,
			GoVersion: runtime.Version(),
			CPUs:      runtime.NumCPU(),
			Start:     time.Now(),
		}
		db = rundb.Start(cfg.Database.Options, activity, abort, dastream.ProblemLogger)
		defer func() {
			close(abort)
			db.Wait()
		}()
	}

	if err := session.Start(cfg.Config); err != nil {
		return err
	}
	run := &rundb.RunMessage{
		ID:              runID,
		Source:          "simulated " + cfg.Simulation.Waveform,
		Channels:        cfg.Channels,
		SamplesPerBlock: cfg.SamplesPerBlock,
		NumBlocks:       cfg.NumBlocks,
		ScanRate:        cfg.ScanRate,
		TriggerMode:     string(cfg.Trigger.Mode),
		TriggerChannel:  cfg.Trigger.Channel,
		TargetSamples:   cfg.TargetSamples,
		Start:           time.Now(),
	}
	db.RecordRun(run)

	var final dastream.Status
	opts := dastream.RunOptions{
		ReadsPerService: cfg.Run.ReadsPerService,
		TransferRetries: cfg.Run.TransferRetries,
		TriggerTimeout:  cfg.Run.TriggerTimeout,
		StatusInterval:  cfg.Publish.StatusInterval,
		OnStatus: func(st dastream.Status) {
			final = st
			if consumer.publisher != nil {
				if err := consumer.publisher.Publish("STATUS", st); err != nil {
					dastream.ProblemLogger.Printf("Could not publish status: %v", err)
				}
			}
		},
	}
	runErr := dastream.Run(ctx, session, consumer, opts)

	run.Streamed = final.Streamed
	run.Discarded = final.Discarded
	run.Overrun = final.Overrun
	switch {
	case runErr == nil:
		run.Outcome = "complete"
	case errors.Is(runErr, context.Canceled):
		run.Outcome = "interrupted"
		runErr = nil
	case errors.Is(runErr, dastream.ErrTriggerTimeout):
		run.Outcome = "trigger timeout"
	default:
		run.Outcome = "failed: " + runErr.Error()
	}
	db.FinishRun(run)
	fmt.Fprintf(out, "Run %s %s: %d scans acquired, %d retained, %d discarded, %d overrun\n",
		runID, run.Outcome, final.Acquired, final.Streamed, final.Discarded, final.Overrun)
	return runErr
}
