// Package main provides the recupload binary, a command line client for uploading
// encounter recordings to the recording session service.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/medrec-io/go-recupload/recording"
	"github.com/medrec-io/go-recupload/session"
)

const (
	Version = "0.1.0"
	appName = "recupload"
)

func main() {
	if err := rootCmd(log.NewLogger(), env.NewRepository()).Execute(); err != nil {
		var uerr *recording.Error
		if errors.As(err, &uerr) {
			fmt.Fprintf(os.Stderr, "%s\n", uerr.Message)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func rootCmd(logger log.Logger, envRepo env.Repository) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Upload encounter recordings in chunks",
		Long: `recupload uploads audio recordings to the recording session service.

Recordings are split into fixed-size chunks that are uploaded in parallel with
retries. Configuration is read from RECUPLOAD_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	loadConfig := func() (recording.Config, error) {
		config, err := recording.NewConfig(envRepo)
		if err != nil {
			return recording.Config{}, fmt.Errorf("failed to parse configuration: %w", err)
		}
		if verbose {
			config.Verbose = true
		}
		logger.EnableDebugLog(config.Verbose)
		return config, nil
	}

	cmd.AddCommand(
		uploadCmd(logger, loadConfig),
		statusCmd(logger, loadConfig),
		cancelCmd(logger, loadConfig),
		snapshotsCmd(logger, loadConfig),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
			},
		},
	)

	return cmd
}

type configLoader func() (recording.Config, error)

func uploadCmd(logger log.Logger, loadConfig configLoader) *cobra.Command {
	var (
		in          recording.Input
		metricsFile string
	)

	cmd := &cobra.Command{
		Use:   "upload <recording>",
		Short: "Upload a recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			config.Print(logger)
			logger.Println()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry := prometheus.NewRegistry()
			uploader, err := recording.NewUploader(ctx, config, recording.Options{Registerer: registry}, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := uploader.Close(); err != nil {
					logger.Warnf("Failed to close uploader: %s", err)
				}
			}()

			in.FilePath = args[0]
			result, err := runUpload(ctx, uploader, in, logger)
			if metricsFile != "" {
				if werr := prometheus.WriteToTextfile(metricsFile, registry); werr != nil {
					logger.Warnf("Failed to write metrics to %s: %s", metricsFile, werr)
				}
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", result.RecordingID)
			return nil
		},
	}

	cmd.Flags().StringVar(&in.EncounterID, "encounter", "", "Encounter the recording belongs to")
	cmd.Flags().StringVar(&in.PatientID, "patient", "", "Patient identifier")
	cmd.Flags().StringVar(&in.PractitionerID, "practitioner", "", "Practitioner identifier")
	cmd.Flags().IntVar(&in.Sequence, "sequence", 1, "Sequence number of the recording within the encounter")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "", "Write upload metrics in the Prometheus text format to this file")

	return cmd
}

// runUpload starts the upload, aborts it when ctx is done and logs its events.
func runUpload(ctx context.Context, uploader *recording.Uploader, in recording.Input, logger log.Logger) (recording.Result, error) {
	h, err := uploader.Start(context.WithoutCancel(ctx), in)
	if err != nil {
		return recording.Result{}, err
	}

	go func() {
		select {
		case <-ctx.Done():
			logger.Warnf("Interrupted, aborting upload %s", h.ID())
			h.Abort()
		case <-h.Done():
		}
	}()

	lastPercent := -10
	for ev := range h.Events() {
		switch e := ev.(type) {
		case recording.StatusEvent:
			logger.Infof("%s", e.Progress.Message)
		case recording.ProgressEvent:
			if percent := int(e.Progress.Percent); percent/10 != lastPercent/10 {
				lastPercent = percent
				logger.Printf("%3d%% %s", percent, e.Progress.Message)
			}
		case recording.ChunkRetryEvent:
			logger.Warnf("Retrying chunk %d (retry %d): %s", e.Index, e.Retry, e.Err)
		case recording.ChunkCompleteEvent:
			logger.Debugf("Chunk %d of %d uploaded", e.Index+1, e.TotalChunks)
		}
	}

	return h.Wait()
}

func statusCmd(logger log.Logger, loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show the server side status of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), logger, loadConfig, func(coordinator *session.Coordinator) error {
				state := stateFor(cmd.Context(), coordinator, args[0], logger)
				status, err := coordinator.Status(cmd.Context(), state)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%d/%d chunks received)\n",
					args[0], status.Status, status.ChunksReceived, status.ExpectedChunks)
				return nil
			})
		},
	}
}

func cancelCmd(logger log.Logger, loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a session and remove its local snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), logger, loadConfig, func(coordinator *session.Coordinator) error {
				state := stateFor(cmd.Context(), coordinator, args[0], logger)
				coordinator.CancelSession(cmd.Context(), state)
				coordinator.ClearState(cmd.Context(), state.SessionID)
				fmt.Fprintf(cmd.OutOrStdout(), "%s: cancel requested\n", args[0])
				return nil
			})
		},
	}
}

func snapshotsCmd(logger log.Logger, loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots",
		Short: "List the sessions that still have a local snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), logger, loadConfig, func(coordinator *session.Coordinator) error {
				ids, err := coordinator.ListStates(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, id := range ids {
					printSnapshot(cmd.Context(), out, coordinator, id)
				}
				return nil
			})
		},
	}
}

func printSnapshot(ctx context.Context, out io.Writer, coordinator *session.Coordinator, id string) {
	state, err := coordinator.LoadState(ctx, id)
	if err != nil {
		fmt.Fprintf(out, "%s\tunreadable: %s\n", id, err)
		return
	}
	fmt.Fprintf(out, "%s\t%s\t%d/%d chunks\t%s\n",
		id, state.Context.FilePath, state.ChunksUploaded, state.TotalChunks, state.CreatedAt.Format("2006-01-02 15:04:05"))
}

// stateFor returns the snapshot of a session, or a bare state when there is none.
func stateFor(ctx context.Context, coordinator *session.Coordinator, id string, logger log.Logger) *session.State {
	state, err := coordinator.LoadState(ctx, id)
	if err != nil {
		if !errors.Is(err, session.ErrSnapshotNotFound) {
			logger.Warnf("Failed to load snapshot of %s: %s", id, err)
		}
		return &session.State{Version: session.StateVersion, SessionID: id}
	}
	return state
}

func withCoordinator(ctx context.Context, logger log.Logger, loadConfig configLoader, fn func(*session.Coordinator) error) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	uploader, err := recording.NewUploader(ctx, config, recording.Options{}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := uploader.Close(); err != nil {
			logger.Warnf("Failed to close uploader: %s", err)
		}
	}()

	return fn(uploader.Coordinator())
}
