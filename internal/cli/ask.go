package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"recipe-assistant/internal/consumer"
	"recipe-assistant/internal/domain"
	"recipe-assistant/internal/identity"
	"recipe-assistant/internal/render"
)

var (
	askServer  string
	askMeal    string
	askUser    string
	askHistory bool
	askFormat  bool
)

var askCmd = &cobra.Command{
	Use:   "ask [message]",
	Short: "Chat with the recipe assistant about a meal",
	Long: `Chat with a running relay about one meal.

With a message argument a single question is asked. Without one, every line
read from stdin is submitted as a new message; a new message closes the
answer still streaming.

Examples:
  mealchat ask --meal 52772 "Can I bake this instead of frying?"
  mealchat ask --meal 52772 --history
  mealchat ask --meal 52772 --server https://chat.example.com --user cook-1`,
	Args: cobra.ArbitraryArgs,
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askServer, "server", "http://localhost:8080", "relay base URL")
	askCmd.Flags().StringVarP(&askMeal, "meal", "m", "", "meal id to chat about (required)")
	askCmd.Flags().StringVarP(&askUser, "user", "u", os.Getenv("USER"), "user id sent in the identity header")
	askCmd.Flags().BoolVar(&askHistory, "history", false, "print the stored conversation first")
	askCmd.Flags().BoolVar(&askFormat, "format", false, "render finished answers with headings and lists instead of streaming raw text")
	_ = askCmd.MarkFlagRequired("meal")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	header := cfg.IdentityHeader
	if header == "" {
		header = identity.DefaultHeader
	}
	client, err := consumer.NewClient(askServer,
		consumer.WithIdentity(header, askUser),
		consumer.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printer := newTurnPrinter(out, render.New(out), askFormat)

	var opts []consumer.ConversationOption
	if askHistory {
		turns, err := client.History(ctx, askMeal)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		for _, t := range turns {
			printer.History(t)
		}
		opts = append(opts, consumer.WithHistory(turns))
	}
	opts = append(opts, consumer.WithRenderer(printer.Render))

	conv, err := consumer.NewConversation(client, askMeal, opts...)
	if err != nil {
		return err
	}
	defer conv.Close()

	if len(args) > 0 {
		return ask(ctx, conv, strings.Join(args, " "))
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := ask(ctx, conv, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(out, printer.formatter.Error(err.Error()))
		}
	}
	return scanner.Err()
}

func ask(ctx context.Context, conv *consumer.Conversation, message string) error {
	if _, err := conv.Submit(ctx, message); err != nil {
		return describeError(err)
	}
	if err := conv.Wait(ctx); err != nil {
		return describeError(err)
	}
	return nil
}

// describeError turns relay failures into a line for the terminal.
func describeError(err error) error {
	var statusErr *consumer.HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.Reason != "" {
		return fmt.Errorf("relay refused the message (%d %s)", statusErr.StatusCode, statusErr.Reason)
	}
	var streamErr *consumer.StreamError
	if errors.As(err, &streamErr) {
		return fmt.Errorf("answer ended early: %s", streamErr.Code)
	}
	return err
}

// turnPrinter writes AI turns as they change. In raw mode new text is
// written as it arrives; in formatted mode the turn is rendered once it
// reaches a terminal state.
type turnPrinter struct {
	out       io.Writer
	formatter *render.Formatter
	formatted bool

	mu      sync.Mutex
	printed map[string]int
}

func newTurnPrinter(out io.Writer, f *render.Formatter, formatted bool) *turnPrinter {
	return &turnPrinter{out: out, formatter: f, formatted: formatted, printed: make(map[string]int)}
}

// History prints a stored turn.
func (p *turnPrinter) History(t domain.ChatTurn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !t.IsAI {
		fmt.Fprintf(p.out, "> %s\n", t.Content)
		return
	}
	fmt.Fprint(p.out, p.formatter.Turn(t))
}

// Render is a consumer.Renderer.
func (p *turnPrinter) Render(t domain.ChatTurn, state consumer.TurnState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.formatted {
		if n := p.printed[t.ID]; len(t.Content) > n {
			fmt.Fprint(p.out, t.Content[n:])
			p.printed[t.ID] = len(t.Content)
		}
	}
	if !state.Terminal() {
		return
	}

	if p.formatted && (state == consumer.Complete || state == consumer.Truncated) {
		fmt.Fprint(p.out, p.formatter.Turn(t))
		return
	}
	if p.printed[t.ID] > 0 {
		fmt.Fprintln(p.out)
	}
	switch state {
	case consumer.Truncated:
		fmt.Fprintln(p.out, p.formatter.Note(render.TruncatedNote))
	case consumer.Interrupted:
		fmt.Fprintln(p.out, p.formatter.Note("[interrupted]"))
	}
	delete(p.printed, t.ID)
}
