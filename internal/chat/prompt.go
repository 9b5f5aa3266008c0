package chat

import (
	"fmt"
	"strings"

	"github.com/ashureev/fitcoach/internal/agent"
	"github.com/ashureev/fitcoach/internal/domain"
)

// BuildSystemPrompt seeds the coach with the questionnaire answers and the
// adjustments collected so far.
func BuildSystemPrompt(q *domain.Questionnaire, adjustments []string, maxInteractions int) string {
	var b strings.Builder
	b.WriteString("You are a friendly personal fitness coach onboarding a new client. ")
	b.WriteString("Their questionnaire answers are below. Ask short follow-up questions ")
	fmt.Fprintf(&b, "to refine their training plan. The conversation is limited to %d exchanges, ", maxInteractions)
	b.WriteString("so keep every reply under 120 words and ask at most one question at a time.\n\n")

	b.WriteString("When the client states a preference or limitation that should change their plan, ")
	fmt.Fprintf(&b, "add a separate line starting with %q followed by a short imperative, ", agent.AdjustmentPrefix)
	b.WriteString("for example \"ADJUSTMENT: avoid high-impact jumps\". Do not mention these lines in the conversation.\n\n")

	if q != nil {
		b.WriteString("Questionnaire:\n")
		writeField(&b, "Name", q.Name)
		if q.BirthYear > 0 {
			writeField(&b, "Birth date", fmt.Sprintf("%04d-%02d-%02d", q.BirthYear, q.BirthMonth, q.BirthDay))
		}
		writeField(&b, "Gender", q.Gender)
		if q.WeightKg > 0 {
			writeField(&b, "Weight", fmt.Sprintf("%.1f kg", q.WeightKg))
		}
		if q.HeightCm > 0 {
			writeField(&b, "Height", fmt.Sprintf("%.0f cm", q.HeightCm))
		}
		writeField(&b, "Experience", q.ExperienceLevel)
		writeField(&b, "Primary goal", q.PrimaryGoal)
		writeField(&b, "Training days", strings.Join(q.TrainingDays, ", "))
		writeField(&b, "Cardio", q.CardioPreference)
		writeField(&b, "Stretching", q.StretchingPreference)
		writeField(&b, "Session duration", q.SessionDuration)
		if q.HasInjuries {
			details := q.InjuryDetails
			if details == "" {
				details = "yes, no details given"
			}
			writeField(&b, "Injuries", details)
		}
	}

	if len(adjustments) > 0 {
		b.WriteString("\nAdjustments already agreed:\n")
		for _, a := range adjustments {
			b.WriteString("- ")
			b.WriteString(a)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func writeField(b *strings.Builder, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	b.WriteString("- ")
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteByte('\n')
}
