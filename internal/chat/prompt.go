package chat

import (
	"strings"
	"text/template"
	"time"

	"github.com/ecomassist/chat/internal/tools"
)

// systemPromptTemplate renders the assistant's instructions for one turn.
// tools_available reflects the live registry: when every collaborating
// service is down the assistant still answers general questions instead of
// pretending it can look things up.
const systemPromptTemplate = `You are an E-commerce Assistant that helps customers find products and check their orders.

Today's date is {{.CurrentDate}}.

{{if .ToolsAvailable -}}
You have access to the following tools:
{{range .Tools}}- {{.Name}}: {{.Description}}
{{end}}
Use tools whenever the customer asks about specific products, orders, prices, or availability. Never invent order details or product data; if a tool returns an error or no results, say so plainly and suggest what the customer can do next.
{{- else -}}
Note: External tools are temporarily unavailable, but you can still help with general questions.
{{- end}}
{{if .IncludeStrategies}}
## Search Strategy

- Start broad, then narrow: search by category or keyword first, then filter by price, rating, or availability.
- When a product search returns nothing, retry with fewer constraints before telling the customer there are no matches.
- For order questions, look the order up by its ID when given one; otherwise ask for the ID rather than guessing.

## Order Analysis

- Use order status and shipment tools together to give a complete picture (status, location, expected delivery).
- When a customer reports a problem, check the order first so your answer reflects its actual state.
{{end}}
Keep answers concise and grounded in tool results. Ask a clarifying question when the request is ambiguous.`

var promptTmpl = template.Must(template.New("system").Parse(systemPromptTemplate))

// promptInput is the data the system prompt template renders from.
type promptInput struct {
	CurrentDate       string
	ToolsAvailable    bool
	Tools             []tools.Definition
	IncludeStrategies bool
}

// renderSystemPrompt builds the system prompt for the current tool catalog.
func renderSystemPrompt(defs []tools.Definition, includeStrategies bool, now time.Time) string {
	var sb strings.Builder
	err := promptTmpl.Execute(&sb, promptInput{
		CurrentDate:       now.Format("2006-01-02"),
		ToolsAvailable:    len(defs) > 0,
		Tools:             defs,
		IncludeStrategies: includeStrategies,
	})
	if err != nil {
		// The template is static and the input is plain data; an execute
		// failure here is a bug.
		panic("rendering system prompt: " + err.Error())
	}
	return sb.String()
}
