package extract

import (
	"encoding/json"
	"fmt"
	"strings"
)

// systemPrompt instructs the provider to emit the normalized JSON payload.
// The multi-line merge instruction matters: many PO formats split one
// product across a description line, a SKU line and a price line, and those
// must come back as a single line item.
const systemPrompt = `You are a purchase order extraction system. Extract structured data from the provided purchase order document and respond with ONLY a JSON object, no prose, matching this schema:

{
  "extracted_data": {
    "po_number": string,
    "supplier": {"name": string, "email": string, "phone": string, "website": string},
    "line_items": [{"description": string, "sku": string, "quantity": integer, "unit_price": number, "total_price": number, "confidence": number}],
    "total_amount": number,
    "currency": string,
    "order_date": string
  },
  "confidence": {"overall": number, "fields": {}}
}

Rules:
- When one product spans multiple lines (description line, SKU line, price line), merge them into ONE line item.
- Use null for values you cannot read; never invent data.
- confidence.overall is 0-100; per-item confidence is 0-1.
- Omit currency symbols from numbers.`

// userPrompt is the instruction accompanying the artifact content.
const userPrompt = "Extract the purchase order data from this document."

// decodePayload parses the provider's text output into a Result, tolerating
// markdown code fences around the JSON.
func decodePayload(text string) (Result, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	// Some providers prepend commentary despite instructions; slice from
	// the first brace to the last.
	if i := strings.Index(text, "{"); i > 0 {
		text = text[i:]
	}
	if i := strings.LastIndex(text, "}"); i >= 0 && i < len(text)-1 {
		text = text[:i+1]
	}

	var result Result
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return Result{}, fmt.Errorf("decode extraction payload: %w", err)
	}
	return result, nil
}
