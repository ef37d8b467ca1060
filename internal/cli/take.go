package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"team-answer-service/internal/config"
	"team-answer-service/internal/domain"
	"team-answer-service/internal/syncclient"
)

type takeFlags struct {
	server string
	testID string
	teamID string
	userID string
	live   bool
}

// NewTakeCmd runs a headless sync client that reads answer edits from stdin.
func NewTakeCmd(configPath *string) *cobra.Command {
	var f takeFlags
	cmd := &cobra.Command{
		Use:   "take",
		Short: "Take a test from the terminal as one team member",
		Long: `Reads one edit per line from stdin:
  q1=B            single answer
  q2=[a,b]        multi answer
  q1=             clear answer
  !draw q3 {...}  append a stroke to a drawing
  !clear q3       clear a drawing
  !goto q3        show question q3
  !state          print the local view
  !submit         final sync and submit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTake(cmd.Context(), *configPath, f, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.server, "server", "http://localhost:8080", "answer service base URL")
	cmd.Flags().StringVar(&f.testID, "test", "demo-test", "test id")
	cmd.Flags().StringVar(&f.teamID, "team", "demo-team", "team id")
	cmd.Flags().StringVar(&f.userID, "user", os.Getenv("USER_ID"), "verified user id")
	cmd.Flags().BoolVar(&f.live, "live", false, "also follow the websocket stream")
	return cmd
}

func runTake(ctx context.Context, configPath string, f takeFlags, in io.Reader, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg)
	if f.userID == "" {
		return errors.New("--user is required")
	}
	// The sync loop callbacks and the stdin reader print from different goroutines.
	out = &lockedWriter{w: out}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	key := domain.DocumentKey{TestID: f.testID, TeamID: f.teamID}
	session := syncclient.NewSession(
		syncclient.NewHTTPClient(f.server, f.userID, nil),
		key,
		syncclient.Options{
			Debounce:       config.TTLDuration(cfg.Sync.Debounce, 500*time.Millisecond),
			PollInterval:   config.TTLDuration(cfg.Sync.PollInterval, 2*time.Second),
			ActivityWindow: config.TTLDuration(cfg.Sync.ActivityWindow, time.Second),
			OnLock: func(r syncclient.LockReason) {
				fmt.Fprintf(out, "locked: %s\n", r)
			},
			OnDrawingReload: func(questionID string, d domain.Drawing) {
				fmt.Fprintf(out, "drawing for %s updated by a teammate (%d strokes)\n", questionID, len(d))
			},
			OnTick: func(left int) {
				if left%60 == 0 || left <= 10 {
					fmt.Fprintf(out, "time left: %ds\n", left)
				}
			},
		},
	)
	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("join %s: %w", key, err)
	}
	printState(out, session.State())

	if f.live {
		go func() {
			if err := syncclient.Follow(ctx, syncclient.LiveURL(f.server, key, f.userID), session); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("live stream ended, polling only")
			}
		}()
	}

	go readEdits(ctx, session, in, out)
	return session.Run(ctx)
}

func readEdits(ctx context.Context, session *syncclient.Session, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		cmd, err := parseEdit(scanner.Text())
		if err != nil {
			fmt.Fprintf(out, "? %v\n", err)
			continue
		}
		if err := cmd.apply(ctx, session, out); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
	}
}

type editKind int

const (
	editNone editKind = iota
	editAnswer
	editDraw
	editClear
	editGoto
	editState
	editSubmit
)

type edit struct {
	kind       editKind
	questionID string
	answer     domain.AnswerValue
	stroke     domain.DrawingPath
}

// parseEdit turns one input line into an edit. Blank lines and # comments are no-ops.
func parseEdit(line string) (edit, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return edit{kind: editNone}, nil
	}
	if strings.HasPrefix(line, "!") {
		fields := strings.SplitN(line[1:], " ", 3)
		switch fields[0] {
		case "state":
			return edit{kind: editState}, nil
		case "submit":
			return edit{kind: editSubmit}, nil
		case "goto", "clear":
			if len(fields) < 2 {
				return edit{}, fmt.Errorf("!%s needs a question id", fields[0])
			}
			kind := editGoto
			if fields[0] == "clear" {
				kind = editClear
			}
			return edit{kind: kind, questionID: fields[1]}, nil
		case "draw":
			if len(fields) < 3 {
				return edit{}, errors.New("!draw needs a question id and a JSON stroke")
			}
			if !json.Valid([]byte(fields[2])) {
				return edit{}, fmt.Errorf("stroke is not valid JSON: %s", fields[2])
			}
			return edit{kind: editDraw, questionID: fields[1], stroke: domain.DrawingPath(fields[2])}, nil
		default:
			return edit{}, fmt.Errorf("unknown command !%s", fields[0])
		}
	}

	questionID, raw, ok := strings.Cut(line, "=")
	if !ok || strings.TrimSpace(questionID) == "" {
		return edit{}, fmt.Errorf("expected question=answer, got %q", line)
	}
	e := edit{kind: editAnswer, questionID: strings.TrimSpace(questionID)}
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
	case strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]"):
		var items []string
		for _, item := range strings.Split(raw[1:len(raw)-1], ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		e.answer = domain.Multi(items...)
	default:
		e.answer = domain.Single(raw)
	}
	return e, nil
}

func (e edit) apply(ctx context.Context, session *syncclient.Session, out io.Writer) error {
	switch e.kind {
	case editAnswer:
		return session.SetAnswer(e.questionID, e.answer)
	case editDraw:
		drawing := session.State().Drawings[e.questionID]
		return session.SetDrawing(e.questionID, append(drawing, e.stroke))
	case editClear:
		return session.ClearDrawing(e.questionID)
	case editGoto:
		session.SetCurrentQuestion(e.questionID)
	case editState:
		printState(out, session.State())
	case editSubmit:
		return session.Submit(ctx)
	}
	return nil
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// printState renders the local view and writes it in one call.
func printState(out io.Writer, st syncclient.State) {
	ids := make([]string, 0, len(st.Answers)+len(st.Drawings))
	seen := make(map[string]bool)
	for id := range st.Answers {
		ids, seen[id] = append(ids, id), true
	}
	for id := range st.Drawings {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	var b strings.Builder
	fmt.Fprintf(&b, "time left: %ds, status: %s\n", st.TimeLeft, st.Locked)
	for _, id := range ids {
		fmt.Fprintf(&b, "  %s = %s", id, st.Answers[id])
		if d, ok := st.Drawings[id]; ok {
			fmt.Fprintf(&b, " (%d strokes)", len(d))
		}
		b.WriteByte('\n')
	}
	_, _ = io.WriteString(out, b.String())
}
