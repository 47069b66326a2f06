package prompt

import "fmt"

// GetSystemPrompt provides strict directions and schema for JSON output.
func GetSystemPrompt() string {
	return `You are an expert Magic: The Gathering card identifier. You must produce one valid JSON object only (no markdown, no commentary) that follows the schema below. Do not include code fences.

Requirements:
- Identify every card visible in the photo, including partially visible cards.
- "name" is the exact printed card name in English. Do not add edition, finish or descriptors such as "foil" or "borderless" to the name.
- "set" is the set code or set name if you can read or infer it, otherwise "".
- "collector_number" is the printed collector number if legible, otherwise "".
- "set_symbol" describes the expansion symbol as seen (shape, colour), otherwise "".
- "features" lists visible finishes or treatments (foil, showcase, extended art, promo).
- "confidence" is one of: high, medium, low.
- If no card can be identified, return {"cards": []}.

Schema (example with empty values):
{
  "cards": [
    {
      "name": "<string>",
      "set": "<string>",
      "collector_number": "<string>",
      "set_symbol": "<string>",
      "features": ["<string>"],
      "confidence": "<high|medium|low>",
      "notes": "<string>"
    }
  ]
}`
}

// GetUserPrompt builds the text part that travels next to the image.
func GetUserPrompt(contentType string) string {
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return fmt.Sprintf("Identify the Magic: The Gathering cards in this %s photo and respond with the JSON per schema.", contentType)
}
