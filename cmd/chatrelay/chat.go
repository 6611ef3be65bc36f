package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/szaher/chatrelay/sdk/go/chatrelay"
)

func newChatCmd() *cobra.Command {
	var (
		url       string
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat against a running server",
		Long: `Starts (or resumes with --session) a session on a running chatrelay server
and reads messages from stdin. Commands: /history, /clear, /quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := chatrelay.NewClient(url)
			return runChat(cmd.Context(), client, sessionID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&url, "url", "http://localhost:5000", "Server base URL")
	cmd.Flags().StringVar(&sessionID, "session", "", "Resume an existing session")

	return cmd
}

func runChat(ctx context.Context, client *chatrelay.Client, sessionID string, in io.Reader, out io.Writer) error {
	if sessionID == "" {
		id, err := client.Start(ctx)
		if err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		sessionID = id
	}
	fmt.Fprintf(out, "session %s\n", sessionID)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/history":
			history, err := client.History(ctx, sessionID)
			if err != nil {
				return err
			}
			for _, m := range history {
				fmt.Fprintf(out, "%s: %s\n", m.Role, m.Content)
			}
			continue
		case "/clear":
			if err := client.Clear(ctx, sessionID); err != nil {
				return err
			}
			fmt.Fprintln(out, "history cleared")
			continue
		}

		reply, err := client.Send(ctx, sessionID, line)
		if err != nil {
			if chatrelay.IsNotFound(err) {
				return fmt.Errorf("session %s no longer exists", sessionID)
			}
			return err
		}
		fmt.Fprintln(out, reply.Response)
	}
}
