// Command datasearch indexes an environmental data catalogue and answers
// questions about it.
//
// Usage:
//
//	datasearch ingest --datasets data/datasets.json --docs data/docs
//	datasearch serve --config config.yaml
//	datasearch chat "which datasets cover river flow?"
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/fabfab/datasearch/api"
	"github.com/fabfab/datasearch/chat"
	"github.com/fabfab/datasearch/conversation"
	"github.com/fabfab/datasearch/ingestion"
)

const shutdownTimeout = 10 * time.Second

type CLI struct {
	Config   string `short:"c" help:"Path to a YAML config file." type:"path"`
	LogLevel string `help:"Override the configured log level (debug, info, warn, error)."`

	Serve         ServeCmd         `cmd:"" help:"Serve the search and chat HTTP API."`
	Ingest        IngestCmd        `cmd:"" help:"Index dataset metadata and supporting documents."`
	Search        SearchCmd        `cmd:"" help:"Run a semantic search and print ranked results."`
	Chat          ChatCmd          `cmd:"" help:"Ask a question, or start an interactive session."`
	Conversations ConversationsCmd `cmd:"" help:"List stored conversations or show one."`
	Clear         ClearCmd         `cmd:"" help:"Remove every indexed record and the knowledge graph."`
}

type ServeCmd struct {
	Addr string `help:"Listen address (defaults to the configured one)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	svc, store, err := a.chatService(ctx)
	if err != nil {
		return err
	}

	addr := a.cfg.Server.Addr
	if c.Addr != "" {
		addr = c.Addr
	}
	srv := &http.Server{
		Addr: addr,
		Handler: api.New(svc, api.Options{
			Health:  a.health(store),
			Metrics: a.metrics,
			Logger:  a.logger,
		}),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("listening", "addr", addr, "index", a.index.Backend())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if mem, ok := store.(*conversation.MemoryStore); ok && a.cfg.Conversations.IdleTTL > 0 {
		g.Go(func() error {
			pruneIdle(gctx, mem, a.cfg.Conversations.IdleTTL, a.logger)
			return nil
		})
	}
	return g.Wait()
}

type IngestCmd struct {
	Datasets string `help:"Dataset metadata file (json, jsonl or csv). Defaults to the configured file." type:"path"`
	Docs     string `help:"Supporting documents root, one directory per dataset id. Defaults to the configured directory." type:"path"`
	Only     string `help:"Restrict the run to datasets or documents." enum:"all,datasets,documents" default:"all"`
	Watch    bool   `help:"Keep running and re-index documents as they change."`
}

func (c *IngestCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	ingestor, err := a.ingestor(ctx)
	if err != nil {
		return err
	}

	datasetFile := firstNonEmpty(c.Datasets, a.cfg.DatasetFile)
	docsRoot := firstNonEmpty(c.Docs, a.cfg.DataDir)

	if c.Only != "documents" {
		datasets, err := ingestion.LoadDatasets(datasetFile)
		if err != nil {
			return err
		}
		report, err := ingestor.IngestDatasets(ctx, datasets)
		if err != nil {
			return fmt.Errorf("ingest datasets: %w", err)
		}
		printReport("datasets", report)
	}

	if c.Only != "datasets" {
		report, err := ingestor.IngestDocuments(ctx, docsRoot)
		if err != nil {
			return fmt.Errorf("ingest documents: %w", err)
		}
		printReport("documents", report)
	}

	if !c.Watch {
		return nil
	}
	watcher, err := ingestion.NewWatcher(ingestor, docsRoot, a.cfg.Ingestion.Debounce, a.logger)
	if err != nil {
		return err
	}
	if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type SearchCmd struct {
	Query string `arg:"" help:"Search text."`
	Limit int    `short:"n" help:"Number of results." default:"10"`
}

func (c *SearchCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	svc, _, err := a.chatService(ctx)
	if err != nil {
		return err
	}
	result, err := svc.Search(ctx, c.Query, c.Limit)
	if err != nil {
		return err
	}

	if len(result.Results) == 0 {
		fmt.Println("No matching datasets.")
		return nil
	}
	for i, candidate := range result.Results {
		fmt.Println(formatCandidate(i+1, candidate))
	}
	fmt.Printf("\n%d result(s) in %s\n", len(result.Results), result.Elapsed.Round(time.Millisecond))
	return nil
}

type ChatCmd struct {
	Message      string `arg:"" optional:"" help:"Question to ask. Omit to start an interactive session."`
	Conversation string `short:"C" help:"Continue an existing conversation."`
	Sources      int    `help:"Number of sources to retrieve." default:"5"`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	svc, _, err := a.chatService(ctx)
	if err != nil {
		return err
	}

	if strings.TrimSpace(c.Message) != "" {
		_, err := c.ask(ctx, svc, c.Message, c.Conversation)
		return err
	}
	return c.interactive(ctx, svc, os.Stdin)
}

// interactive reads one question per line until EOF or "exit". The prompt
// is only shown when stdin is a terminal.
func (c *ChatCmd) interactive(ctx context.Context, svc *chat.Service, in *os.File) error {
	prompt := term.IsTerminal(int(in.Fd()))
	if prompt {
		fmt.Println("Ask about the catalogue. Type \"exit\" to quit.")
	}

	conversationID := c.Conversation
	scanner := bufio.NewScanner(in)
	for {
		if prompt {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		id, err := c.ask(ctx, svc, line, conversationID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		conversationID = id
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read question: %w", err)
	}
	return nil
}

func (c *ChatCmd) ask(ctx context.Context, svc *chat.Service, message, conversationID string) (string, error) {
	answer, err := svc.Chat(ctx, message, conversationID, c.Sources)
	if err != nil {
		return "", err
	}

	fmt.Println(answer.Text)
	if len(answer.Sources) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for i, source := range answer.Sources {
			fmt.Println(formatCandidate(i+1, source))
		}
	}
	fmt.Printf("\n[conversation %s, %s, %s]\n", answer.ConversationID, answer.Mode, answer.Latency.Round(time.Millisecond))
	return answer.ConversationID, nil
}

type ConversationsCmd struct {
	Show   string `help:"Print the turns of one conversation."`
	Delete string `help:"Delete one conversation."`
}

func (c *ConversationsCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	svc, _, err := a.chatService(ctx)
	if err != nil {
		return err
	}

	switch {
	case c.Delete != "":
		if err := svc.DeleteConversation(ctx, c.Delete); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", c.Delete)
		return nil
	case c.Show != "":
		conv, err := svc.Conversation(ctx, c.Show)
		if err != nil {
			return err
		}
		for _, turn := range conv.Turns {
			fmt.Printf("[%s] %s: %s\n\n", turn.Timestamp.Format(time.RFC3339), turn.Role, turn.Text)
		}
		return nil
	}

	summaries, err := svc.ListConversations(ctx)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("No conversations.")
	}
	for _, s := range summaries {
		fmt.Printf("%s  %3d turn(s)  last active %s\n", s.ID, s.TurnCount, s.LastActiveAt.Format(time.RFC3339))
	}
	return nil
}

type ClearCmd struct {
	Confirm bool `help:"Skip the confirmation prompt."`
}

func (c *ClearCmd) Run(cli *CLI) error {
	if !c.Confirm {
		fmt.Print("This will permanently delete every indexed dataset, document chunk and graph node. Continue? [y/N]: ")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read confirmation: %w", err)
			}
			fmt.Println("clear aborted")
			return nil
		}
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if answer != "y" && answer != "yes" {
			fmt.Println("clear aborted")
			return nil
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cli)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if err := a.clearAll(ctx); err != nil {
		return err
	}
	a.logger.Info("index cleared", "datasets", a.cfg.Index.DatasetCollection, "chunks", a.cfg.Index.ChunkCollection, "graph", a.graph != nil)
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("datasearch"),
		kong.Description("Semantic search and chat over an environmental data catalogue."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

func printReport(kind string, r ingestion.Report) {
	fmt.Printf("%s: %d indexed, %d unchanged, %d skipped, %d failed\n", kind, r.Indexed, r.Unchanged, r.Skipped, len(r.Failed))
	for _, id := range r.Failed {
		fmt.Printf("  failed: %s\n", id)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
