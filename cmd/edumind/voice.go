package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"EduMind/internal/api"
	"EduMind/internal/config"
	"EduMind/internal/session"
	"EduMind/internal/store"
	"EduMind/internal/stream"
	"EduMind/internal/telemetry"
	"EduMind/internal/voice"

	"github.com/spf13/cobra"
)

var (
	voiceFile  string
	voiceRate  int
	voiceChunk time.Duration
)

// voiceCmd plays a recorded utterance into the speech socket, standing in
// for a live microphone.
var voiceCmd = &cobra.Command{
	Use:   "voice",
	Short: "Ask a question from recorded audio",
	Long: `Stream raw little-endian float32 mono audio to the speech socket and
print the transcript and the answer as they arrive.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if voiceFile == "" {
			return errors.New("--file is required")
		}
		data, err := os.ReadFile(voiceFile)
		if err != nil {
			return fmt.Errorf("failed to read audio: %w", err)
		}
		samples, err := voice.DecodeFloat32(data)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer closeLog()

		header := http.Header{}
		if id := voiceUser(cmd.Context(), cfg); id != "" {
			header.Set(api.UserHeader, id)
		}

		client := voice.NewClient(cfg.StreamURL,
			voice.WithHeader(header),
			voice.WithReconnectInterval(cfg.Network.ReconnectInterval),
			voice.WithLogger(logger),
		)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- client.Run(ctx) }()
		defer func() {
			cancel()
			<-done
		}()

		if err := waitConnected(ctx, client, cfg.Network.RequestTimeout); err != nil {
			return err
		}
		if err := client.StartRecording(ctx); err != nil {
			return err
		}

		step := voiceRate * int(voiceChunk) / int(time.Second)
		if step < 1 {
			step = len(samples)
		}
		for start := 0; start < len(samples); start += step {
			end := min(start+step, len(samples))
			if _, err := client.SendAudio(ctx, samples[start:end], voiceRate); err != nil {
				return err
			}
		}
		if err := client.StopRecording(ctx); err != nil {
			return err
		}

		return printVoiceEvents(ctx, cmd, client)
	},
}

func init() {
	voiceCmd.Flags().StringVar(&voiceFile, "file", "", "Raw float32 mono audio file")
	voiceCmd.Flags().IntVar(&voiceRate, "rate", 48000, "Sample rate of the audio file")
	voiceCmd.Flags().DurationVar(&voiceChunk, "chunk", 100*time.Millisecond, "Audio sent per frame")
	rootCmd.AddCommand(voiceCmd)
}

// voiceUser resolves the user id without starting a full chat client.
func voiceUser(ctx context.Context, cfg config.Config) string {
	if cfg.UserID != "" {
		return cfg.UserID
	}
	st, err := store.Open(cfg.Store)
	if err != nil {
		return ""
	}
	defer st.Close()
	u, _ := session.StoredUser(ctx, st)
	return u.ID
}

func waitConnected(ctx context.Context, c *voice.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !c.Connected() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("speech socket did not connect: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func printVoiceEvents(ctx context.Context, cmd *cobra.Command, c *voice.Client) error {
	out := cmd.OutOrStdout()
	heard, answered := false, false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-c.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case stream.KindASRPartial:
				fmt.Fprintf(out, "\r... %s", ev.Text)
			case stream.KindASRFinal:
				heard = true
				fmt.Fprintf(out, "\rYou: %s\n", ev.Text)
			case stream.KindChunk:
				if !answered {
					fmt.Fprint(out, "EduMind: ")
					answered = true
				}
				fmt.Fprint(out, ev.Text)
			case stream.KindEnd:
				fmt.Fprintln(out)
				return nil
			case stream.KindASRStopped:
				// Nothing was recognized, so no answer follows.
				if !heard {
					return nil
				}
			case stream.KindError:
				return ev.Err
			}
		}
	}
}
