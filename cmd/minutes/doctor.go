package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/minutes/internal/audio"
	"github.com/MikeSquared-Agency/minutes/internal/config"
	"github.com/MikeSquared-Agency/minutes/internal/store"
)

func newDoctorCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check prerequisites",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			ok := true

			if err := cfg.Validate(); err != nil {
				check(out, "Configuration", false, err.Error())
				ok = false
			} else {
				check(out, "Configuration", true, "valid")
			}

			if err := audio.NewFFmpeg(cfg.FFmpegPath, cfg.SampleRate).Check(); err != nil {
				check(out, "ffmpeg", false, "not found. Install ffmpeg or set FFMPEG_PATH")
				ok = false
			} else {
				check(out, "ffmpeg", true, "installed")
			}

			if cfg.DatabaseURL == "" {
				check(out, "Database", false, "not set. Set DATABASE_URL")
				ok = false
			} else {
				ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
				db, err := store.New(ctx, cfg.DatabaseURL)
				cancel()
				if err != nil {
					check(out, "Database", false, err.Error())
					ok = false
				} else {
					db.Close()
					check(out, "Database", true, "reachable")
				}
			}

			check(out, "Transcription endpoint", cfg.TranscribeURL != "", cfg.TranscribeURL)
			check(out, "Ollama", true, fmt.Sprintf("%s (%s)", cfg.OllamaHost, cfg.OllamaModel))
			optional(out, "NATS events", cfg.NatsURL)
			optional(out, "Participant notifications", cfg.NotifyURL)
			optional(out, "Slack alerts", cfg.SlackAlertChannel)
			check(out, "Audio directory", true, cfg.AudioDir)

			if ok {
				fmt.Fprintln(out, "\nAll prerequisites met.")
			} else {
				fmt.Fprintln(out, "\nSome prerequisites are missing.")
			}
			return nil
		},
	}
}

func check(w io.Writer, name string, ok bool, detail string) {
	mark := "✓"
	if !ok {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s %s: %s\n", mark, name, detail)
}

func optional(w io.Writer, name, value string) {
	if value == "" {
		fmt.Fprintf(w, "- %s: disabled\n", name)
		return
	}
	check(w, name, true, value)
}
