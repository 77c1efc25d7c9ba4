package usecase

import (
	"fmt"
	"strings"

	"github.com/kirillkom/graphrag-assistant/internal/core/domain"
	"github.com/kirillkom/graphrag-assistant/internal/core/ports"
)

const (
	DefaultNoInfoPhrase = "該当する情報が見つかりませんでした"
	DefaultSystemPrompt = "あなたは生産工場のナレッジベースアシスタントです。\n" +
		"提供された情報源のみに基づいて回答してください。\n" +
		"情報源にない内容は「" + DefaultNoInfoPhrase + "」と回答してください。\n" +
		"回答の根拠となる情報源は [1] のように番号で引用してください。\n" +
		"日本語で回答してください。"

	sectionEvidence = "【提供された情報源】"
	sectionHistory  = "【会話履歴】"
	sectionQuestion = "【ユーザーの質問】"
	noEvidenceText  = "情報源なし"

	evidenceSeparator = "\n\n"
)

type PromptConfig struct {
	SystemPrompt      string
	ContextWindow     int
	GenerationReserve int
	MaxHistoryTurns   int
}

type AssembledPrompt struct {
	Request        ports.GenerationRequest
	PromptTokens   int
	HistoryTurns   int
	HistoryDropped int
}

// ContextAssembler renders the grounded prompt. History is spent only from what is left
// after the instruction, the question and the selected evidence.
type ContextAssembler struct {
	cfg       PromptConfig
	estimator ports.TokenEstimator
}

func NewContextAssembler(cfg PromptConfig, estimator ports.TokenEstimator) *ContextAssembler {
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 8192
	}
	if cfg.GenerationReserve < 0 {
		cfg.GenerationReserve = 0
	}
	if cfg.MaxHistoryTurns < 0 {
		cfg.MaxHistoryTurns = 0
	}
	return &ContextAssembler{cfg: cfg, estimator: estimator}
}

// EvidenceBudget is the token allowance left for evidence once the fixed prompt parts are paid for.
func (a *ContextAssembler) EvidenceBudget(question string) int {
	return a.cfg.ContextWindow - a.cfg.GenerationReserve - a.baseTokens(question)
}

func (a *ContextAssembler) Assemble(question string, evidence domain.EvidenceSet, history []domain.ChatTurn) (AssembledPrompt, error) {
	available := a.cfg.ContextWindow - a.cfg.GenerationReserve
	fixed := a.baseTokens(question) + evidence.TotalTokens
	if evidence.Empty() {
		fixed += a.estimator.Count(noEvidenceText)
	}
	if fixed > available {
		return AssembledPrompt{}, domain.WrapError(
			domain.ErrContextOverflow,
			"assemble prompt",
			fmt.Errorf("prompt needs %d tokens, %d available", fixed, available),
		)
	}

	kept, historyTokens := a.fitHistory(history, available-fixed)

	var b strings.Builder
	b.WriteString(sectionEvidence)
	b.WriteString("\n")
	if evidence.Empty() {
		b.WriteString(noEvidenceText)
	} else {
		for i, item := range evidence.Items {
			if i > 0 {
				b.WriteString(evidenceSeparator)
			}
			b.WriteString(evidenceHeader(i+1, item))
			b.WriteString(item.Text)
		}
	}
	b.WriteString("\n\n")
	if len(kept) > 0 {
		b.WriteString(sectionHistory)
		b.WriteString("\n")
		for _, turn := range kept {
			b.WriteString(historyLine(turn))
		}
		b.WriteString("\n")
	}
	b.WriteString(sectionQuestion)
	b.WriteString("\n")
	b.WriteString(question)

	return AssembledPrompt{
		Request: ports.GenerationRequest{
			System:    a.cfg.SystemPrompt,
			Prompt:    b.String(),
			MaxTokens: a.cfg.GenerationReserve,
		},
		PromptTokens:   fixed + historyTokens,
		HistoryTurns:   len(kept),
		HistoryDropped: len(history) - len(kept),
	}, nil
}

func (a *ContextAssembler) baseTokens(question string) int {
	return a.estimator.Count(a.cfg.SystemPrompt) +
		a.estimator.Count(sectionEvidence+"\n") +
		a.estimator.Count("\n\n"+sectionQuestion+"\n") +
		a.estimator.Count(question)
}

// fitHistory walks from the newest turn backwards; the oldest turns are the first to go.
func (a *ContextAssembler) fitHistory(history []domain.ChatTurn, remaining int) ([]domain.ChatTurn, int) {
	if len(history) == 0 || a.cfg.MaxHistoryTurns == 0 {
		return nil, 0
	}
	used := a.estimator.Count(sectionHistory + "\n\n")
	if used > remaining {
		return nil, 0
	}
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		if len(history)-i > a.cfg.MaxHistoryTurns {
			break
		}
		cost := a.estimator.Count(historyLine(history[i]))
		if used+cost > remaining {
			break
		}
		used += cost
		start = i
	}
	if start == len(history) {
		return nil, 0
	}
	return history[start:], used
}

func evidenceHeader(index int, c domain.ScoredCandidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d]", index)
	if name := firstNonEmpty(c.Metadata.FileName, c.Metadata.Title); name != "" {
		fmt.Fprintf(&b, " %s", name)
	}
	if c.Metadata.Page > 0 {
		fmt.Fprintf(&b, " p.%d", c.Metadata.Page)
	}
	if c.Metadata.Heading != "" {
		fmt.Fprintf(&b, " / %s", c.Metadata.Heading)
	}
	b.WriteString("\n")
	return b.String()
}

func historyLine(turn domain.ChatTurn) string {
	role := "ユーザー"
	if turn.Role == domain.RoleAssistant {
		role = "アシスタント"
	}
	return role + ": " + strings.TrimSpace(turn.Content) + "\n"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
