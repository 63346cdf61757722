package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"fixdad/server/internal/llm"
	"fixdad/server/internal/model"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ErrInvalidOutput 表示模型输出无法解析或未通过校验。
var ErrInvalidOutput = errors.New("classifier: invalid model output")

// VisionClassifier 用视觉 LLM 对一帧图像做问题分类。
type VisionClassifier struct {
	client   llm.Client
	validate *validator.Validate
	logger   *zap.Logger
}

func NewVisionClassifier(client llm.Client, logger *zap.Logger) *VisionClassifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VisionClassifier{
		client:   client,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.Named("classifier"),
	}
}

type wireIssue struct {
	Rank           int      `json:"rank" validate:"min=1,max=3"`
	IssueName      string   `json:"issue_name" validate:"required"`
	SuspectedCause string   `json:"suspected_cause"`
	Confidence     float64  `json:"confidence" validate:"min=0,max=1"`
	SymptomsMatch  []string `json:"symptoms_match"`
	Category       string   `json:"category"`
}

type wireAnalysis struct {
	ProspectedIssues   []wireIssue `json:"prospected_issues" validate:"max=3,dive"`
	OverallDangerLevel string      `json:"overall_danger_level" validate:"oneof=low medium high"`
	Location           string      `json:"location"`
	Fixture            string      `json:"fixture"`
	ObservedSymptoms   []string    `json:"observed_symptoms"`
	RequiresShutoff    bool        `json:"requires_shutoff"`
	WaterPresent       bool        `json:"water_present"`
	ImmediateAction    string      `json:"immediate_action"`
	ProfessionalNeeded bool        `json:"professional_needed"`
	NoIssueDetected    bool        `json:"no_issue_detected"`
	HumanPresent       bool        `json:"human_present"`
	RepairInProgress   bool        `json:"repair_in_progress"`
}

// Classify 调用模型并把输出转换成分析快照。
// 模型错误原样返回（由调用方映射），输出不合法时返回 ErrInvalidOutput。
func (c *VisionClassifier) Classify(ctx context.Context, image []byte, transcript string) (*model.AnalysisSnapshot, error) {
	user := "Analyze this image and extract the JSON now."
	if transcript != "" {
		user += "\nThe user just said: " + fmt.Sprintf("%q", transcript)
	}
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: user, Images: []llm.Image{{MIME: http.DetectContentType(image), Data: image}}},
	}

	raw, err := c.client.Complete(ctx, messages, analysisSchema)
	if err != nil {
		return nil, err
	}

	snap, err := c.parse(raw)
	if err != nil {
		c.logger.Warn("model output rejected", zap.Error(err), zap.String("raw", truncate(raw, 500)))
		return nil, err
	}
	return snap, nil
}

func (c *VisionClassifier) parse(raw string) (*model.AnalysisSnapshot, error) {
	var wire wireAnalysis
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if err := c.validate.Struct(&wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if !wire.NoIssueDetected {
		if len(wire.ProspectedIssues) != 3 {
			return nil, fmt.Errorf("%w: expected exactly 3 issues, got %d", ErrInvalidOutput, len(wire.ProspectedIssues))
		}
		for i, issue := range wire.ProspectedIssues {
			if issue.Rank != i+1 {
				return nil, fmt.Errorf("%w: issue #%d has rank %d", ErrInvalidOutput, i+1, issue.Rank)
			}
		}
	}

	snap := &model.AnalysisSnapshot{
		DangerLevel:        model.DangerLevel(wire.OverallDangerLevel),
		NoIssueDetected:    wire.NoIssueDetected,
		HumanPresent:       wire.HumanPresent,
		RepairInProgress:   wire.RepairInProgress,
		RequiresShutoff:    wire.RequiresShutoff,
		WaterPresent:       wire.WaterPresent,
		ProfessionalNeeded: wire.ProfessionalNeeded,
		Location:           wire.Location,
		Fixture:            wire.Fixture,
		ImmediateAction:    wire.ImmediateAction,
		ObservedSymptoms:   wire.ObservedSymptoms,
	}
	for _, issue := range wire.ProspectedIssues {
		snap.Issues = append(snap.Issues, model.Issue{
			Rank:            issue.Rank,
			Name:            issue.IssueName,
			SuspectedCause:  issue.SuspectedCause,
			Confidence:      issue.Confidence,
			MatchedSymptoms: issue.SymptomsMatch,
			Category:        strings.ToLower(strings.TrimSpace(issue.Category)),
		})
	}
	return snap, nil
}

// stripCodeFence 去掉模型偶尔包裹的 ```json 代码块。
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
