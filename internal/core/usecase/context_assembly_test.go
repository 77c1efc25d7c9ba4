package usecase

import (
	"strings"
	"testing"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
)

func turn(role domain.ChatRole, content string) domain.ChatTurn {
	return domain.ChatTurn{Role: role, Content: content}
}

func TestContextAssemblerRendersGroundedPrompt(t *testing.T) {
	a := NewContextAssembler(PromptConfig{ContextWindow: 4096, GenerationReserve: 256, MaxHistoryTurns: 4}, runeEstimator{})
	item := scored("c1", "プレス機は毎朝点検する。")
	item.Metadata.Page = 12
	item.Metadata.Heading = "日常点検"
	evidence := selectWithinBudget([]domain.ScoredCandidate{item}, runeEstimator{}, a.EvidenceBudget("点検は？"), 5)

	prompt, err := a.Assemble("点検は？", evidence, nil)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if !strings.Contains(prompt.Request.System, DefaultNoInfoPhrase) {
		t.Fatalf("system prompt must carry the no-information phrase")
	}
	if !strings.Contains(prompt.Request.Prompt, "[1] c1.pdf p.12 / 日常点検\nプレス機は毎朝点検する。") {
		t.Fatalf("expected numbered citation header, got %q", prompt.Request.Prompt)
	}
	if !strings.HasSuffix(prompt.Request.Prompt, "【ユーザーの質問】\n点検は？") {
		t.Fatalf("expected question at the end, got %q", prompt.Request.Prompt)
	}
	if prompt.Request.MaxTokens != 256 {
		t.Fatalf("expected generation reserve as max tokens, got %d", prompt.Request.MaxTokens)
	}
}

func TestContextAssemblerEmptyEvidence(t *testing.T) {
	a := NewContextAssembler(PromptConfig{ContextWindow: 2048, GenerationReserve: 128}, runeEstimator{})

	prompt, err := a.Assemble("質問", domain.EvidenceSet{}, nil)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if !strings.Contains(prompt.Request.Prompt, "【提供された情報源】\n情報源なし") {
		t.Fatalf("expected explicit empty evidence marker, got %q", prompt.Request.Prompt)
	}
}

func TestContextAssemblerDropsOldestHistoryFirst(t *testing.T) {
	history := []domain.ChatTurn{
		turn(domain.RoleUser, "一番古い質問"+strings.Repeat("。", 100)),
		turn(domain.RoleAssistant, "古い回答"),
		turn(domain.RoleUser, "直前の質問"),
		turn(domain.RoleAssistant, "直前の回答"),
	}
	evidence := domain.EvidenceSet{Items: []domain.ScoredCandidate{scored("c1", "根拠")}, TotalTokens: 20}
	probe := NewContextAssembler(PromptConfig{ContextWindow: 100_000, MaxHistoryTurns: 10}, runeEstimator{})
	base, err := probe.Assemble("質問", evidence, nil)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}

	// Room for the section label and the three newest turns, not the long oldest one.
	window := base.PromptTokens + 60
	a := NewContextAssembler(PromptConfig{ContextWindow: window, MaxHistoryTurns: 10}, runeEstimator{})
	prompt, err := a.Assemble("質問", evidence, history)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if prompt.HistoryTurns != 3 || prompt.HistoryDropped != 1 {
		t.Fatalf("expected 3 kept and 1 dropped, got %d/%d", prompt.HistoryTurns, prompt.HistoryDropped)
	}
	if strings.Contains(prompt.Request.Prompt, "一番古い質問") {
		t.Fatalf("oldest turn must be dropped first")
	}
	if !strings.Contains(prompt.Request.Prompt, "根拠") {
		t.Fatalf("evidence must survive history truncation")
	}
	if prompt.PromptTokens > window {
		t.Fatalf("prompt tokens %d exceed window %d", prompt.PromptTokens, window)
	}
}

func TestContextAssemblerCapsHistoryTurns(t *testing.T) {
	history := []domain.ChatTurn{
		turn(domain.RoleUser, "q1"), turn(domain.RoleAssistant, "a1"),
		turn(domain.RoleUser, "q2"), turn(domain.RoleAssistant, "a2"),
	}
	a := NewContextAssembler(PromptConfig{ContextWindow: 8192, MaxHistoryTurns: 2}, runeEstimator{})

	prompt, err := a.Assemble("q3", domain.EvidenceSet{}, history)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if prompt.HistoryTurns != 2 {
		t.Fatalf("expected 2 history turns, got %d", prompt.HistoryTurns)
	}
	if strings.Contains(prompt.Request.Prompt, "q1") || !strings.Contains(prompt.Request.Prompt, "a2") {
		t.Fatalf("expected the two newest turns, got %q", prompt.Request.Prompt)
	}
}

func TestContextAssemblerOverflow(t *testing.T) {
	a := NewContextAssembler(PromptConfig{ContextWindow: 300, GenerationReserve: 100}, runeEstimator{})
	evidence := domain.EvidenceSet{Items: []domain.ScoredCandidate{scored("c1", "x")}, TotalTokens: 500}

	_, err := a.Assemble("質問", evidence, nil)
	if !domain.IsKind(err, domain.ErrContextOverflow) {
		t.Fatalf("expected ErrContextOverflow, got %v", err)
	}
}
