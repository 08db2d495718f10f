// Command livesync joins a live session from a terminal. As leader, every
// stdin line is broadcast as a leader_action {"text": line}; as follower, the
// applied state and roster changes are printed.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/antioch-platform/livesync/internal/session"
	"github.com/antioch-platform/livesync/pkg/types"
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "livesync:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		server  = flag.String("server", "http://localhost:8080", "coordination server base URL")
		id      = flag.String("session", "", "session code")
		userID  = flag.String("user", "", "participant id")
		name    = flag.String("name", "", "display name")
		avatar  = flag.String("avatar", "", "avatar URL")
		leader  = flag.Bool("leader", false, "join as the session leader")
		verbose = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	endpoint, err := session.Endpoint(*server, *id)
	if err != nil {
		return err
	}
	if *name == "" {
		*name = *userID
	}

	log := zap.NewNop()
	if *verbose {
		if log, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := printer{w: os.Stdout}
	c, err := session.New(session.Config{
		Endpoint: endpoint,
		Identity: types.Participant{ID: *userID, Name: *name, Avatar: *avatar},
		Leader:   *leader,
	}, out.callbacks(), log)
	if err != nil {
		return err
	}
	defer c.Close()

	if *leader {
		go func() {
			if err := readActions(ctx, os.Stdin, c); err != nil {
				fmt.Fprintln(os.Stderr, "livesync:", err)
			}
		}()
	}
	return c.Run(ctx)
}

// readActions turns each non-empty line into a leader action.
func readActions(ctx context.Context, r io.Reader, c *session.Client) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := c.SendLeaderAction(map[string]string{"text": line}); err != nil {
			fmt.Fprintln(os.Stderr, "not sent:", err)
		}
	}
	return sc.Err()
}

type printer struct {
	w io.Writer
}

func (p printer) callbacks() session.Callbacks {
	return session.Callbacks{
		OnSync: func(kind types.Kind, payload json.RawMessage) {
			fmt.Fprintf(p.w, "%s %s\n", kind, payload)
		},
		OnParticipants: func(ps []types.Participant) {
			names := lo.Map(ps, func(x types.Participant, _ int) string { return x.Name })
			fmt.Fprintf(p.w, "participants (%d): %s\n", len(ps), strings.Join(names, ", "))
		},
		OnParticipantStatus: func(s types.ParticipantStatus) {
			fmt.Fprintf(p.w, "%s is %s\n", s.ParticipantID, s.Status)
		},
		OnStateChange: func(s session.State) {
			fmt.Fprintf(p.w, "[%s]\n", s)
		},
	}
}
