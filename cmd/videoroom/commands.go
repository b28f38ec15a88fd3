package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/wilsonzlin/videoroom/internal/call"
)

// controller is the part of *call.Orchestrator the command loop drives.
type controller interface {
	ToggleVideo() bool
	ToggleAudio() bool
	ShareScreen(ctx context.Context) error
	StopShareScreen() error
	SendMessage(ctx context.Context, text string) error
	Status() call.Status
	Detail() string
	Duration() time.Duration
	Sharing() bool
}

const helpText = `commands:
  /video    toggle the camera
  /audio    toggle the microphone
  /share    share the screen
  /unshare  stop sharing the screen
  /status   show call status
  /end      leave the call
anything else is sent as chat`

// runCommands reads lines from r until /end or ctx is done. Reaching EOF
// only stops reading, so a headless agent with no stdin stays in the call.
func runCommands(ctx context.Context, r io.Reader, w io.Writer, c controller) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			if err != nil {
				return err
			}
			scanErr = nil
			continue
		case line = <-lines:
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := c.SendMessage(ctx, line); err != nil {
				fmt.Fprintf(w, "! chat not sent: %v\n", err)
			}
			continue
		}

		switch cmd := strings.Fields(line)[0]; cmd {
		case "/end", "/quit":
			return nil
		case "/video":
			fmt.Fprintf(w, "* camera %s\n", onOff(c.ToggleVideo()))
		case "/audio":
			fmt.Fprintf(w, "* microphone %s\n", onOff(c.ToggleAudio()))
		case "/share":
			if err := c.ShareScreen(ctx); err != nil {
				fmt.Fprintf(w, "! screen share failed: %v\n", err)
				continue
			}
			fmt.Fprintln(w, "* sharing screen")
		case "/unshare":
			if err := c.StopShareScreen(); err != nil {
				fmt.Fprintf(w, "! stop sharing failed: %v\n", err)
				continue
			}
			fmt.Fprintln(w, "* screen share stopped")
		case "/status":
			writeStatus(w, c)
		case "/help":
			fmt.Fprintln(w, helpText)
		default:
			fmt.Fprintf(w, "! unknown command %s (try /help)\n", cmd)
		}
	}
}

func writeStatus(w io.Writer, c controller) {
	fmt.Fprintf(w, "* status: %s", c.Status())
	if d := c.Detail(); d != "" {
		fmt.Fprintf(w, " (%s)", d)
	}
	if c.Status() == call.StatusConnected {
		fmt.Fprintf(w, ", duration %s", formatDuration(c.Duration()))
	}
	if c.Sharing() {
		fmt.Fprint(w, ", sharing screen")
	}
	fmt.Fprintln(w)
}

// formatDuration renders d as MM:SS, or H:MM:SS past the hour.
func formatDuration(d time.Duration) string {
	total := int(d / time.Second)
	h, m, s := total/3600, (total/60)%60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
