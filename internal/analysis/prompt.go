package analysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Bh3ky/price-atlas/internal/model"
)

const systemPrompt = `You are a market analyst. Given a product and its competitor list, write a concise competitive analysis. Pay attention to currency and pricing context: all prices must keep their original currency, and price comparisons must stay within the same currency.

Respond with a single JSON object and nothing else, matching exactly this shape:
{
  "summary": "...",
  "positioning": "...",
  "top_competitors": [
    {"asin": "...", "title": "...", "price": 0, "currency": "...", "rating": 0, "key_points": ["..."]}
  ],
  "recommendations": ["..."]
}`

// competitorInput is the trimmed competitor view sent to the model.
type competitorInput struct {
	ASIN     string  `json:"asin"`
	Title    string  `json:"title"`
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
	Rating   float64 `json:"rating"`
}

func buildPrompt(seed *model.Product, competitors []model.Product) (string, error) {
	inputs := make([]competitorInput, len(competitors))
	for i, c := range competitors {
		inputs[i] = competitorInput{
			ASIN:     c.ASIN,
			Title:    c.Title,
			Price:    c.Price,
			Currency: c.Currency,
			Rating:   c.Rating,
		}
	}
	compJSON, err := json.Marshal(inputs)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Product Title: %s\n", seed.Title)
	fmt.Fprintf(&b, "Brand: %s\n", seed.Brand)
	fmt.Fprintf(&b, "Price: %s %.2f\n", seed.Currency, seed.Price)
	fmt.Fprintf(&b, "Rating: %.1f\n", seed.Rating)
	fmt.Fprintf(&b, "Categories: %s\n", strings.Join(seed.Categories, " > "))
	fmt.Fprintf(&b, "Amazon Domain: %s\n\n", seed.Marketplace)
	fmt.Fprintf(&b, "Competitors (JSON): %s\n", compJSON)
	return b.String(), nil
}

// cleanJSON strips markdown fences and extracts the JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
