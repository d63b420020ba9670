package chat

import (
	"fmt"
	"strings"

	"github.com/mentormind/mentormind/internal/metric"
	"github.com/mentormind/mentormind/internal/model"
)

// coachSystem is the coach contract: evidence-only quoting, metric-scope
// refusal, Turkish output for this deployment.
const coachSystem = `You are a calibration coach helping a human AI-evaluator understand where their scores diverged from an expert judge.

Rules:
- You may quote ONLY from the evidence items provided below. Never introduce new quotations from the model answer.
- Stay within the session's selected metrics. If the learner asks about another metric, politely decline and steer back.
- Be concrete: reference the specific scores, gaps, and evidence.
- Write all output in Turkish.`

// coachPrompt builds the user prompt: the snapshot restricted to the selected
// metrics, the rolling history window, and the current message. An empty
// message asks for the session-opening summary instead.
func coachPrompt(snap model.Snapshot, selected []metric.Slug, history []model.ChatMessage, message string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Question (category %s):\n%s\n\n", snap.Category, snap.QuestionText)
	fmt.Fprintf(&sb, "Calibration meta-score: %d/5. Overall feedback: %s\n\n", snap.MetaScore, snap.OverallFeedback)

	sb.WriteString("Selected metrics for this session:\n")
	for _, slug := range selected {
		u := snap.UserScores[slug]
		j := snap.JudgeScores[slug]
		fmt.Fprintf(&sb, "\n## %s\nLearner score: %s", slug, fmtScore(u.Score))
		if u.Reasoning != "" {
			fmt.Fprintf(&sb, " (reasoning: %s)", u.Reasoning)
		}
		fmt.Fprintf(&sb, "\nJudge score: %s", fmtScore(j.Score))
		if j.Rationale != "" {
			fmt.Fprintf(&sb, " (rationale: %s)", j.Rationale)
		}
		sb.WriteString("\n")
		writeEvidence(&sb, snap.Evidence[slug])
	}

	if len(history) > 0 {
		sb.WriteString("\nConversation so far:\n")
		for _, m := range history {
			fmt.Fprintf(&sb, "%s: %s\n", roleLabel(m.Role), m.Content)
		}
	}

	if message == "" {
		sb.WriteString("\nOpen the session: greet the learner and summarize, in Turkish, where their scores diverged on the selected metrics, citing the evidence above.")
	} else {
		fmt.Fprintf(&sb, "\nLearner: %s\nRespond in Turkish.", message)
	}
	return sb.String()
}

func writeEvidence(sb *strings.Builder, items []model.EvidenceItem) {
	if len(items) == 0 {
		sb.WriteString("Evidence: none recorded. Do not quote the model answer.\n")
		return
	}
	sb.WriteString("Evidence:\n")
	for i, it := range items {
		fmt.Fprintf(sb, "%d. %q", i+1, it.Quote)
		if !it.Verified {
			sb.WriteString(" [unverified]")
		}
		if it.Why != "" {
			fmt.Fprintf(sb, " - %s", it.Why)
		}
		if it.Better != "" {
			fmt.Fprintf(sb, " (better: %s)", it.Better)
		}
		sb.WriteString("\n")
	}
}

func roleLabel(role string) string {
	if role == model.RoleAssistant {
		return "Coach"
	}
	return "Learner"
}

func fmtScore(v *int) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%d", *v)
}
