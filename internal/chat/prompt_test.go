package chat

import (
	"strings"
	"testing"
	"time"

	"github.com/ecomassist/chat/internal/tools"
)

func promptDefs() []tools.Definition {
	return []tools.Definition{
		{Name: "get_order_status", Description: "Look up an order's status", Service: "order"},
		{Name: "search_products", Description: "Search the product catalog", Service: "product"},
	}
}

func TestRenderSystemPrompt_ListsTools(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	prompt := renderSystemPrompt(promptDefs(), false, now)

	for _, want := range []string{
		"2026-08-28",
		"get_order_status: Look up an order's status",
		"search_products: Search the product catalog",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "temporarily unavailable") {
		t.Error("prompt should not mention unavailable tools when tools exist")
	}
	if strings.Contains(prompt, "## Search Strategy") {
		t.Error("strategy guide rendered without the flag")
	}
}

func TestRenderSystemPrompt_NoTools(t *testing.T) {
	prompt := renderSystemPrompt(nil, false, time.Now())

	if !strings.Contains(prompt, "temporarily unavailable") {
		t.Errorf("prompt should note tool unavailability:\n%s", prompt)
	}
	if strings.Contains(prompt, "following tools") {
		t.Error("prompt should not list tools when there are none")
	}
}

func TestRenderSystemPrompt_Strategies(t *testing.T) {
	prompt := renderSystemPrompt(promptDefs(), true, time.Now())

	if !strings.Contains(prompt, "## Search Strategy") || !strings.Contains(prompt, "## Order Analysis") {
		t.Errorf("strategy guide missing:\n%s", prompt)
	}
}
