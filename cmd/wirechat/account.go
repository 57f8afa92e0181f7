package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-client/internal/api"
	"github.com/vovakirdan/wirechat-client/internal/auth"
)

func newRegisterCmd(opts *rootOptions) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.username == "" || opts.password == "" {
				return errors.New("username and password are required")
			}
			a, err := opts.newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			req := api.RegisterRequest{Username: opts.username, Email: email, Password: opts.password}
			if err := a.Auth().Register(cmd.Context(), req); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", opts.username)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	return cmd
}

func newRoomsCmd(opts *rootOptions) *cobra.Command {
	var (
		all    bool
		search string
	)
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List your rooms, or all rooms with --all",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := opts.signedIn(ctx)
			if err != nil {
				return err
			}
			defer logout(ctx, a.Auth())
			defer a.Close()

			list := func(cursor string) (api.Page[api.Room], error) {
				if all || search != "" {
					return a.Client().AllRooms(ctx, cursor, search)
				}
				return a.Client().MyRooms(ctx, cursor)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tACCESS\tSTATUS\tPARTICIPANTS\tOWNER")
			cursor := ""
			for {
				page, err := list(cursor)
				if err != nil {
					return err
				}
				for _, r := range page.Results {
					owner := ""
					if r.Owner != nil {
						owner = r.Owner.Username
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n", r.ID, r.Name, r.Access, r.Status, r.ParticipantCount, r.Limit, owner)
				}
				if page.Next == "" {
					break
				}
				cursor = page.Next
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every visible room")
	cmd.Flags().StringVar(&search, "search", "", "filter rooms by name (implies --all)")
	return cmd
}

func newCreateRoomCmd(opts *rootOptions) *cobra.Command {
	var req api.CreateRoomRequest
	cmd := &cobra.Command{
		Use:   "create-room <name>",
		Short: "Create a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.signedIn(ctx)
			if err != nil {
				return err
			}
			defer logout(ctx, a.Auth())
			defer a.Close()

			req.Name = args[0]
			room, err := a.Client().CreateRoom(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created room %s (%s)\n", room.Name, room.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Access, "access", "", "public or private")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "participant limit")
	return cmd
}

// logout ends the server session. Failures are already logged.
func logout(ctx context.Context, svc *auth.Service) {
	_ = svc.Logout(context.WithoutCancel(ctx))
}

func userError(err error) string {
	return api.UserMessage(err)
}
