package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
)

// readEvents decodes an SSE body into stream events and calls fn for each, stopping after a
// terminal event. Keep-alive comments are skipped.
func readEvents(body io.Reader, fn func(domain.StreamEvent) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var eventType, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventType == "" {
				continue
			}
			ev, err := decodeEvent(domain.EventType(eventType), data)
			if err != nil {
				return err
			}
			if err := fn(ev); err != nil {
				return err
			}
			if ev.Terminal() {
				return nil
			}
			eventType, data = "", ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return io.ErrUnexpectedEOF
}

func decodeEvent(eventType domain.EventType, data string) (domain.StreamEvent, error) {
	ev := domain.StreamEvent{Type: eventType}
	var target any
	switch eventType {
	case domain.EventStart:
		ev.Start = &domain.StartPayload{}
		target = ev.Start
	case domain.EventSources:
		ev.Sources = &domain.SourcesPayload{}
		target = ev.Sources
	case domain.EventGraph:
		ev.Graph = &domain.GraphFragment{}
		target = ev.Graph
	case domain.EventToken:
		ev.Token = &domain.TokenPayload{}
		target = ev.Token
	case domain.EventDone:
		ev.Done = &domain.DonePayload{}
		target = ev.Done
	case domain.EventError:
		ev.Error = &domain.ErrorPayload{}
		target = ev.Error
	default:
		return ev, fmt.Errorf("unknown event %q", eventType)
	}
	if err := json.Unmarshal([]byte(data), target); err != nil {
		return ev, fmt.Errorf("decode %s event: %w", eventType, err)
	}
	return ev, nil
}
