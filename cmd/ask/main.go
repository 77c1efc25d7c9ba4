package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
)

var (
	apiURL         = flag.String("api", "http://localhost:8080", "Assistant API base URL")
	mode           = flag.String("mode", "hybrid", "Retrieval mode: hybrid, vector, keyword, graph")
	limit          = flag.Int("limit", domain.DefaultQueryLimit, "Maximum evidence items")
	depth          = flag.Int("depth", domain.DefaultGraphDepth, "Graph traversal depth")
	department     = flag.String("department", "", "Only documents of this department")
	allRevisions   = flag.Bool("all-revisions", false, "Include superseded document revisions")
	conversationID = flag.String("conversation", "", "Conversation id (a new one is generated when empty)")
	userID         = flag.String("user", os.Getenv("USER"), "User id sent with each question")
)

var (
	boldGreen = color.New(color.FgGreen, color.Bold).SprintFunc()
	boldCyan  = color.New(color.FgCyan, color.Bold).SprintFunc()
	faint     = color.New(color.Faint).SprintFunc()
	yellow    = color.New(color.FgYellow).SprintFunc()
	red       = color.New(color.FgRed, color.Bold).SprintFunc()
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *conversationID == "" {
		*conversationID = uuid.NewString()
	}

	fmt.Println(boldGreen("GraphRAG assistant"))
	fmt.Printf("API: %s, mode: %s, conversation: %s\n", boldCyan(*apiURL), *mode, faint(*conversationID))
	fmt.Println("Type a question and press Enter. Type 'exit' or press Ctrl+C to quit.")
	fmt.Println()

	client := &http.Client{}
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(boldGreen("You: "))
		if !scanner.Scan() {
			return
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}
		if strings.EqualFold(question, "exit") {
			return
		}

		if err := ask(ctx, client, question); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			fmt.Fprintf(os.Stderr, "%s %v\n", red("error:"), err)
		}
		fmt.Println()
	}
}

func ask(ctx context.Context, client *http.Client, question string) error {
	payload := map[string]any{
		"query":           question,
		"mode":            *mode,
		"limit":           *limit,
		"depth":           *depth,
		"conversation_id": *conversationID,
		"user_id":         *userID,
		"filters": map[string]any{
			"department":  *department,
			"latest_only": !*allRevisions,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(*apiURL, "/")+"/v1/chat/stream", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error domain.ErrorPayload `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error.Message, apiErr.Error.Code)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	r := &renderer{out: os.Stdout}
	return readEvents(resp.Body, r.render)
}

type renderer struct {
	out     io.Writer
	sources []domain.Citation
}

func (r *renderer) render(ev domain.StreamEvent) error {
	switch ev.Type {
	case domain.EventSources:
		r.sources = ev.Sources.Sources
		if len(ev.Sources.FailedSources) > 0 {
			fmt.Fprintln(r.out, yellow(fmt.Sprintf("unavailable sources: %v", ev.Sources.FailedSources)))
		}
	case domain.EventGraph:
		if n := len(ev.Graph.Nodes); n > 0 {
			fmt.Fprintln(r.out, faint(fmt.Sprintf("graph: %d entities, %d relations", n, len(ev.Graph.Edges))))
		}
		fmt.Fprint(r.out, boldCyan("Assistant: "))
	case domain.EventToken:
		fmt.Fprint(r.out, ev.Token.Content)
	case domain.EventDone:
		fmt.Fprintln(r.out)
		for _, c := range r.sources {
			line := fmt.Sprintf("  [%d] %s", c.Index, c.FileName)
			if c.Heading != "" {
				line += " / " + c.Heading
			}
			if c.Page > 0 {
				line += fmt.Sprintf(" p.%d", c.Page)
			}
			fmt.Fprintln(r.out, faint(line))
		}
		status := fmt.Sprintf("search %dms, generation %dms, %d tokens", ev.Done.Latency.SearchMS, ev.Done.Latency.GenerationMS, ev.Done.CompletionTokens)
		if !ev.Done.Grounded {
			status += ", " + yellow("answer does not cite its sources")
		}
		fmt.Fprintln(r.out, faint(status))
	case domain.EventError:
		fmt.Fprintln(r.out)
		return fmt.Errorf("%s (%s)", ev.Error.Message, ev.Error.Code)
	}
	return nil
}
