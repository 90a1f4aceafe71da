package satcli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MrWong99/dawn/pkg/dap2"
	"github.com/MrWong99/dawn/pkg/satellite"
)

const quitCommand = "/quit"

func newRunCmd(v *viper.Viper) *cobra.Command {
	var connectWait time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an interactive text satellite",
		Long: "run registers with dawnd and reads one query per line from stdin. " +
			"Answers stream to stdout as they arrive. While the daemon is unreachable " +
			"the satellite answers locally and keeps reconnecting in the background. " +
			"Type " + quitCommand + " or send EOF to stop.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			if s.Tier != dap2.TierFull {
				return errors.New("run supports the full tier only; the terminal cannot capture audio")
			}
			id, created, err := s.identity()
			if err != nil {
				return err
			}
			if created {
				slog.Info("created satellite identity", "path", s.IdentityFile, "uuid", id.UUID)
			}
			return runSatellite(cmd.Context(), s, id, connectWait, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&connectWait, "connect-wait", 5*time.Second,
		"how long to wait for the first registration before accepting input")
	return cmd
}

func runSatellite(ctx context.Context, s settings, id dap2.Identity, connectWait time.Duration, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	out = &lockedWriter{w: out}

	cfg := s.clientConfig(id)
	cfg.OnCommand = func(_ context.Context, cmd dap2.Command) error {
		_, err := fmt.Fprintf(out, "[command %s %v]\n", cmd.Name, cmd.Args)
		return err
	}
	client, err := satellite.New(cfg)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	waitConnected(ctx, client, connectWait)

	speaker := &consoleSpeaker{w: out}
	pipeline := satellite.NewPipeline(satellite.PipelineConfig{
		Querier:  client,
		Speaker:  speaker,
		WakeWord: s.WakeWord,
		OnState: func(_, to satellite.State) {
			err := client.SendStatus(ctx, dap2.Status{State: to.String()})
			if err != nil && !errors.Is(err, satellite.ErrDegraded) {
				slog.Debug("status report failed", "err", err)
			}
		},
	})

	lines := bufio.NewScanner(in)
	for lines.Scan() {
		line := strings.TrimSpace(lines.Text())
		switch {
		case line == "":
			continue
		case line == quitCommand:
			return nil
		}

		speaker.started = false
		_, err := pipeline.HandleUtterance(ctx, line)
		if speaker.started {
			_, _ = fmt.Fprintln(out)
		}
		switch {
		case err == nil, errors.Is(err, satellite.ErrDegraded):
		case errors.Is(err, satellite.ErrNoWakeWord):
			_, _ = fmt.Fprintf(out, "(say %q first)\n", s.WakeWord)
		case ctx.Err() != nil:
			return nil
		default:
			_, _ = fmt.Fprintf(out, "(error: %v)\n", err)
		}
	}
	return lines.Err()
}

func waitConnected(ctx context.Context, c *satellite.Client, maxWait time.Duration) {
	if maxWait <= 0 {
		return
	}
	deadline := time.Now().Add(maxWait)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for !c.Connected() {
		if time.Now().After(deadline) {
			slog.Warn("daemon not reachable yet, answering locally until it is", "waited", maxWait)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// consoleSpeaker prints answer fragments as they stream in.
type consoleSpeaker struct {
	w       io.Writer
	started bool
}

func (c *consoleSpeaker) Speak(_ context.Context, text string) error {
	if !c.started {
		c.started = true
		if _, err := io.WriteString(c.w, "dawn> "); err != nil {
			return err
		}
	}
	_, err := io.WriteString(c.w, text)
	return err
}

// lockedWriter serialises command notices with streamed answers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
