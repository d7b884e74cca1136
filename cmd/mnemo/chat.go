package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/mnemo/internal/config"
	"github.com/kalambet/mnemo/internal/pipeline"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat interactively; type quit to exit",
	Long: `Chat with the local model. mnemo asks for an owner id, then answers
questions until you type quit. Each exchange is remembered for that owner.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := a.Close(closeCtx); err != nil {
				printWarning("some memory updates were not saved: %v", err)
			}
		}()

		return runChat(ctx, a.responder, owner, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	chatCmd.Flags().String("owner", "", "owner id (prompted for when empty)")
}

// responder answers one question for an owner.
type responder interface {
	Respond(ctx context.Context, owner, question string) (pipeline.Response, error)
}

// runChat reads an owner id (unless given) and then questions from in until
// "quit" or end of input, writing answers to out.
func runChat(ctx context.Context, r responder, owner string, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64<<10), 1<<20)

	for strings.TrimSpace(owner) == "" {
		fmt.Fprint(out, "Owner id: ")
		if !sc.Scan() {
			return sc.Err()
		}
		owner = strings.TrimSpace(sc.Text())
	}
	owner = strings.TrimSpace(owner)
	fmt.Fprintf(out, "Hi %s. Ask me anything; type quit to exit.\n", owner)

	for {
		fmt.Fprint(out, colorize(colorCyan, "> "))
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		question := strings.TrimSpace(sc.Text())
		switch {
		case question == "":
			continue
		case strings.EqualFold(question, "quit"):
			return nil
		}

		resp, err := r.Respond(ctx, owner, question)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			slog.Debug("chat turn failed", "owner", owner, "error", err)
			fmt.Fprintln(out, colorize(colorRed, pipeline.UserMessage(err)))
			continue
		}
		fmt.Fprintln(out, resp.Answer)
		slog.Debug("chat turn", "owner", owner, "detail", pipeline.Describe(resp))
	}
}
