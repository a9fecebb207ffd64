package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/putto11262002/chatlink/auth"
	"github.com/putto11262002/chatlink/chat"
	"github.com/putto11262002/chatlink/rest"
)

func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(b), nil
}

// authedClient loads the saved credentials and returns a client carrying
// the token.
func authedClient() (*rest.Client, *auth.Credentials, error) {
	creds, err := auth.LoadCredentials(cfg.CredentialsFile)
	if err != nil {
		if errors.Is(err, auth.ErrNotLoggedIn) {
			return nil, nil, errors.New("not logged in, run `chatlink login` first")
		}
		return nil, nil, err
	}
	client, err := rest.NewClient(cfg.API.BaseURL, creds.Token)
	if err != nil {
		return nil, nil, err
	}
	return client, creds, nil
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account on the dev backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword("password: ")
		if err != nil {
			return err
		}
		client, err := rest.NewClient(cfg.API.BaseURL, "")
		if err != nil {
			return err
		}
		user, err := client.Register(context.Background(), args[0], password)
		if err != nil {
			return err
		}
		fmt.Printf("registered %s (id %d)\n", user.Username, user.ID)
		return nil
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and store the token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword("password: ")
		if err != nil {
			return err
		}
		client, err := rest.NewClient(cfg.API.BaseURL, "")
		if err != nil {
			return err
		}
		res, err := client.Login(context.Background(), args[0], password)
		if err != nil {
			return err
		}
		creds := &auth.Credentials{Token: res.Token, User: res.User}
		if err := auth.SaveCredentials(cfg.CredentialsFile, creds); err != nil {
			return err
		}
		fmt.Printf("logged in as %s\n", res.User.Username)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Discard the stored token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return auth.ClearCredentials(cfg.CredentialsFile)
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged-in identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, creds, err := authedClient()
		if err != nil {
			return err
		}
		fmt.Printf("%s (id %d)\n", creds.User.DisplayName(), creds.User.ID)
		return nil
	},
}

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "List the users available to chat with",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := authedClient()
		if err != nil {
			return err
		}
		friends, err := client.Friends(context.Background())
		if err != nil {
			return err
		}
		for _, f := range friends {
			marker := " "
			if f.IsOnline {
				marker = "*"
			}
			fmt.Printf("%s %4d  %s\n", marker, f.ID, f.DisplayName())
		}
		return nil
	},
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List chat rooms with unread counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := authedClient()
		if err != nil {
			return err
		}
		rooms, err := client.Rooms(context.Background())
		if err != nil {
			return err
		}
		now := time.Now()
		for _, r := range rooms {
			var preview, when string
			if r.LastMessage != nil {
				preview = r.LastMessage.Content
				if len(preview) > 40 {
					preview = preview[:40] + "..."
				}
				preview = strings.ReplaceAll(preview, "\n", " ")
				when = chat.FormatRecentTime(r.LastMessage.Timestamp, now)
			}
			badge := chat.UnreadBadge(r.UnreadCount)
			if badge != "" {
				badge = "(" + badge + ")"
			}
			fmt.Printf("%4d  %-16s %5s %-5s  %s\n",
				r.ID, r.OtherUser.DisplayName(), badge, when, preview)
		}
		return nil
	},
}
