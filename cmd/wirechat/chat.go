package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/wirechat-client/internal/core"
)

var errQuit = errors.New("quit")

func newChatCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <room-id>",
		Short: "Join a room and chat from the terminal",
		Long: "Join a room and chat from the terminal.\n\n" +
			"Lines typed are sent to the room. /older loads earlier messages,\n" +
			"/reload reloads the room and /quit leaves.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := opts.signedIn(ctx)
			if err != nil {
				return err
			}
			defer logout(ctx, a.Auth())
			defer a.Close()

			hub, err := a.OpenRoom(ctx, args[0])
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return hub.Run(gctx)
			})
			g.Go(func() error {
				newTranscript(cmd.OutOrStdout()).follow(hub.Events())
				return nil
			})
			g.Go(func() error {
				return readInput(gctx, cmd.InOrStdin(), hub)
			})
			g.Go(func() error {
				select {
				case err := <-a.SessionEnded():
					a.CloseRoom()
					return fmt.Errorf("session ended: %w", err)
				case <-gctx.Done():
					return nil
				}
			})

			err = g.Wait()
			if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// readInput forwards typed lines to the hub until EOF, /quit or ctx is done.
func readInput(ctx context.Context, in io.Reader, hub *core.Hub) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			var err error
			switch strings.TrimSpace(line) {
			case "":
				continue
			case "/quit":
				return errQuit
			case "/older":
				err = hub.LoadOlder()
			case "/reload":
				err = hub.Resync()
			default:
				err = hub.SendMessage(line)
			}
			if err != nil {
				return nil
			}
		}
	}
}

// transcript prints a room's timeline as it grows. Own messages are printed
// once when sent; their confirmations are not repeated.
type transcript struct {
	out     io.Writer
	printed map[string]bool
	// pending maps printed pending ids to their content.
	pending map[string]string
}

func newTranscript(out io.Writer) *transcript {
	return &transcript{out: out, printed: make(map[string]bool), pending: make(map[string]string)}
}

func (t *transcript) follow(events <-chan *core.Event) {
	for ev := range events {
		switch ev.Kind {
		case core.EventTimeline:
			t.print(ev.View.Messages)
		case core.EventOlderLoaded:
			if ev.Anchor.Added > 0 {
				fmt.Fprintf(t.out, "--- %d older messages ---\n", ev.Anchor.Added)
				t.print(ev.View.Messages[:ev.Anchor.Added])
			}
		case core.EventRoomUpdated:
			room := ev.View.Room
			fmt.Fprintf(t.out, "# %s (%d online)\n", room.Name, room.ParticipantCount)
		case core.EventNotice:
			fmt.Fprintf(t.out, "* %s\n", ev.Notice)
		case core.EventNavigateAway:
			fmt.Fprintf(t.out, "* leaving room: %s\n", ev.Reason)
		case core.EventDisconnected:
			t.print(ev.View.Messages)
		}
	}
}

func (t *transcript) print(msgs []core.Message) {
	settled := t.settle(msgs)
	for _, m := range msgs {
		if t.printed[m.ID] {
			continue
		}
		t.printed[m.ID] = true
		switch m.Status {
		case core.StatusPending:
			t.pending[m.ID] = m.Content
		case core.StatusConfirmed:
			if settled[m.Content] > 0 {
				settled[m.Content]--
				continue
			}
		case core.StatusSystem:
			fmt.Fprintf(t.out, "-- %s\n", m.Content)
			continue
		}
		fmt.Fprintf(t.out, "[%s] %s: %s\n", m.Timestamp.Format("15:04"), m.SenderUsername, m.Content)
	}
}

// settle returns, by content, how many printed pending messages left the
// timeline in this update. Each reappears as a confirmed message under its
// server id, which is not printed again.
func (t *transcript) settle(msgs []core.Message) map[string]int {
	present := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		present[m.ID] = true
	}
	settled := make(map[string]int)
	for id, content := range t.pending {
		if !present[id] {
			delete(t.pending, id)
			settled[content]++
		}
	}
	return settled
}
