package rag

import (
	"context"
	"fmt"
	"strings"

	"fixdad/server/internal/llm"
	"fixdad/server/internal/model"

	"go.uber.org/zap"
)

const (
	DefaultTopK         = 6
	DefaultExcerptChars = 300
)

const solvePrompt = `You are a careful home repair assistant. Using ONLY the numbered documents below, write a short
step-by-step fix for the user's issue. Cite every step with the document it came from as [DOC #n].
Put safety warnings first. If the documents do not cover the issue, say so and recommend a professional.`

// Advisor 根据焦点问题检索文档并给出带引用的解决方案。
// 核心不保留任何跨调用状态。
type Advisor struct {
	retriever    Retriever
	client       llm.Client // 可为空：只做抽取式回答
	topK         int
	excerptChars int
	logger       *zap.Logger
}

// AdvisorOptions 是 Advisor 的可选参数。
type AdvisorOptions struct {
	Client       llm.Client
	TopK         int
	ExcerptChars int
	Logger       *zap.Logger
}

func NewAdvisor(retriever Retriever, opts AdvisorOptions) *Advisor {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.ExcerptChars <= 0 {
		opts.ExcerptChars = DefaultExcerptChars
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Advisor{
		retriever:    retriever,
		client:       opts.Client,
		topK:         opts.TopK,
		excerptChars: opts.ExcerptChars,
		logger:       opts.Logger.Named("rag"),
	}
}

// Solve 检索并生成解决方案。
// 检索为空或生成失败时退化为基于快照/摘录的回答，并标记 Fallback。只有检索本身出错才返回 error。
func (a *Advisor) Solve(ctx context.Context, sessionID string, snap *model.AnalysisSnapshot, focus *model.Focus) (*model.Solution, error) {
	query := BuildQuery(snap, focus)
	hits, err := a.retriever.Retrieve(ctx, query, a.topK)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	sol := &model.Solution{
		SessionID:  sessionID,
		FocusQuery: query,
		Citations:  a.citations(hits),
	}
	log := a.logger.With(zap.String("session_id", sessionID), zap.Int("hits", len(hits)))

	if len(hits) == 0 {
		sol.Text = visionOnlyAnswer(snap, focus)
		sol.Fallback = true
		log.Info("no documents matched, using vision-only answer")
		return sol, nil
	}

	if a.client == nil {
		sol.Text = extractiveAnswer(hits, a.excerptChars)
		return sol, nil
	}

	text, err := a.client.Complete(ctx, []llm.Message{
		{Role: "system", Content: solvePrompt},
		{Role: "user", Content: "Issue: " + query + "\n\n" + renderDocs(hits)},
	}, nil)
	if err != nil || strings.TrimSpace(text) == "" {
		log.Warn("solution generation failed, using extractive answer", zap.Error(err))
		sol.Text = extractiveAnswer(hits, a.excerptChars)
		sol.Fallback = true
		return sol, nil
	}
	sol.Text = strings.TrimSpace(text)
	return sol, nil
}

func (a *Advisor) citations(hits []Hit) []model.Citation {
	out := make([]model.Citation, 0, len(hits))
	for _, h := range hits {
		score := h.Score
		out = append(out, model.Citation{
			Rank:    h.Rank,
			Score:   &score,
			Excerpt: excerpt(h.Text, a.excerptChars),
			Source:  h.Source,
		})
	}
	return out
}

func renderDocs(hits []Hit) string {
	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "[DOC #%d] (%s)\n%s\n\n", h.Rank, h.Source, h.Text)
	}
	return b.String()
}

func extractiveAnswer(hits []Hit, n int) string {
	var b strings.Builder
	b.WriteString("From the repair guides:\n")
	limit := 3
	if len(hits) < limit {
		limit = len(hits)
	}
	for _, h := range hits[:limit] {
		fmt.Fprintf(&b, "- %s [DOC #%d]\n", excerpt(h.Text, n), h.Rank)
	}
	return strings.TrimRight(b.String(), "\n")
}

func visionOnlyAnswer(snap *model.AnalysisSnapshot, focus *model.Focus) string {
	issue := ""
	if focus != nil {
		issue = focus.IssueName
	}
	if top, ok := snap.TopIssue(); ok && issue == "" {
		issue = top.Name
	}
	var b strings.Builder
	if issue != "" {
		fmt.Fprintf(&b, "No repair guide matched %q.", issue)
	} else {
		b.WriteString("No repair guide matched this issue.")
	}
	if snap != nil && snap.ImmediateAction != "" {
		b.WriteString(" Right now: " + snap.ImmediateAction + ".")
	}
	if snap != nil && (snap.ProfessionalNeeded || snap.DangerLevel == model.DangerHigh) {
		b.WriteString(" This looks like a job for a licensed professional.")
	}
	return b.String()
}

// excerpt 截取不超过 n 个字符（含省略号），尽量断在空白处。
func excerpt(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	cut := string(runes[:n-1])
	if i := strings.LastIndexByte(cut, ' '); i > n/2 {
		cut = cut[:i]
	}
	return cut + "…"
}
