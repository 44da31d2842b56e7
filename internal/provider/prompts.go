package provider

import (
	"fmt"
	"strings"
)

// approachPrompts selects the system framing for extraction by analytical
// approach. Unknown approaches fall back to thematic analysis.
var approachPrompts = map[string]string{
	"thematic":         "You are an expert qualitative researcher using thematic analysis. Extract key themes from the text.",
	"grounded_theory":  "You are an expert in grounded theory. Code the data and identify emerging theories.",
	"phenomenological": "You are a phenomenological researcher. Identify the lived experiences and their essence.",
	"narrative":        "You are a narrative analyst. Extract key stories and their meanings.",
	"discourse":        "You are a discourse analyst. Identify language patterns and their social implications.",
}

func extractionSystemPrompt(approach string) string {
	key := strings.ReplaceAll(strings.ToLower(approach), " ", "_")
	if p, ok := approachPrompts[key]; ok {
		return p
	}
	return approachPrompts["thematic"]
}

// extractionUserPrompt builds the extraction instruction, seeding the model
// with prior memory context when available.
func extractionUserPrompt(req ExtractRequest) string {
	var b strings.Builder

	if len(req.Context) > 0 {
		b.WriteString("Relevant context from earlier analyses of this project:\n")
		for _, c := range req.Context {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Analyze the following qualitative text.\n\nText: ")
	b.WriteString(req.Text)
	b.WriteString("\n\n")
	b.WriteString(`Respond with only a JSON object:
{
  "summary": "one-paragraph summary of the text",
  "themes": [{"name": "...", "description": "...", "keywords": ["..."], "quotes": [{"text": "exact quote from the text"}]}],
  "insights": [{"theme": "...", "quote": "representative quote", "summary": "brief explanation"}]
}
Guidelines:
- Identify 3-7 themes depending on the data.
- Quotes must be exact excerpts from the input text.
- Aim for 3-5 high-quality insights.`)

	return b.String()
}

// sentimentSystemPrompt instructs the model to score emotional tone.
const sentimentSystemPrompt = `You are an expert in sentiment analysis. Analyze the emotional tone of the provided text.
Respond with only a JSON object:
{
  "overall": "positive" | "negative" | "neutral" | "mixed",
  "score": <float in [-1, 1], negative for negative tone>,
  "breakdown": {"<category>": <float in [-1, 1]>, ...}
}
The breakdown is optional: include it only when distinct aspects of the text carry clearly different tones.`

func sentimentUserPrompt(text string) string {
	return fmt.Sprintf("Text to analyze:\n%s", text)
}
