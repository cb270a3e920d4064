// budget.go normalizes raw conversation history into valid provider
// turns and trims them to a token budget.
//
// Providers require strictly alternating user/assistant turns starting
// with "user". Raw history rarely satisfies that (crash recovery,
// pruned entries, merged group messages), so normalization is done here
// on every call rather than trusting stored data. Token counting uses a
// cheap proportional estimate; limit enforcement is approximate, not a
// bit-exact budget.
package assistant

const (
	// continuedMarker is prepended as a synthetic user turn when history
	// starts with an assistant message, so alternation still holds.
	continuedMarker = "[conversation continued]"

	// bytesPerToken is the proportional estimator ratio. Roughly four
	// bytes of English text per token, which overshoots for dense prose
	// and undershoots for code. Acceptable for budget purposes.
	bytesPerToken = 4

	// perTurnOverhead covers role markers and structural tokens per turn.
	perTurnOverhead = 4

	// perToolSchemaTokens is the estimated prompt cost of one tool
	// schema, used when deriving a history budget from a model's context
	// window.
	perToolSchemaTokens = 350

	// outputReserveTokens is held back from the context window for the
	// model's own output.
	outputReserveTokens = 8192

	// defaultContextTokens is used for models without a known window.
	defaultContextTokens = 128_000
)

// modelContextTokens maps model name prefixes to nominal context sizes.
var modelContextTokens = []struct {
	prefix string
	tokens int
}{
	{"claude-opus-4", 200_000},
	{"claude-sonnet-4", 200_000},
	{"claude-haiku-4", 200_000},
	{"claude-3", 200_000},
	{"gpt-4o", 128_000},
	{"gpt-5", 272_000},
}

// TokenLimitFor derives the history token budget for a model: nominal
// context size minus the output reserve minus an overhead proportional
// to the number of tool schemas in the request.
func TokenLimitFor(model string, toolCount int) int {
	window := defaultContextTokens
	for _, m := range modelContextTokens {
		if len(model) >= len(m.prefix) && model[:len(m.prefix)] == m.prefix {
			window = m.tokens
			break
		}
	}
	limit := window - outputReserveTokens - toolCount*perToolSchemaTokens
	if limit < 1024 {
		limit = 1024
	}
	return limit
}

// Budget bounds the turn list produced by Build.
type Budget struct {
	// TokenLimit is the maximum estimated token count. Zero means no
	// token trimming.
	TokenLimit int

	// MaxMessages caps the number of raw history entries considered,
	// oldest dropped first, before token trimming. Zero means no cap.
	MaxMessages int
}

// BudgetResult reports what Build produced and how much was cut, for
// observability. Build never fails.
type BudgetResult struct {
	Turns           []Turn
	EstimatedTokens int
	MessagesRemoved int
	WasTrimmed      bool
}

// Build converts raw history plus the current user message into a
// strictly alternating turn list starting with RoleUser, then trims the
// oldest turns until the estimate fits the budget. The current message
// is never dropped.
func (b Budget) Build(currentMessage string, history []HistoryEntry) BudgetResult {
	var res BudgetResult

	// Message-count cap first: cheaper than token estimation and keeps
	// pathological histories from being normalized in full.
	if b.MaxMessages > 0 && len(history) > b.MaxMessages {
		res.MessagesRemoved += len(history) - b.MaxMessages
		res.WasTrimmed = true
		history = history[len(history)-b.MaxMessages:]
	}

	turns := normalizeTurns(history)
	turns = appendUserMessage(turns, currentMessage)

	// Token trimming: drop the oldest exchange while over budget, but
	// never the final turn carrying the current message.
	res.EstimatedTokens = estimateTokens(turns)
	for b.TokenLimit > 0 && res.EstimatedTokens > b.TokenLimit && len(turns) > 1 {
		turns = dropOldest(turns)
		res.MessagesRemoved++
		res.WasTrimmed = true
		res.EstimatedTokens = estimateTokens(turns)
	}

	res.Turns = turns
	return res
}

// normalizeTurns converts history entries into alternating turns:
// a synthetic user turn is prepended when history opens with the
// assistant, and consecutive same-role entries are merged.
func normalizeTurns(history []HistoryEntry) []Turn {
	turns := make([]Turn, 0, len(history)+1)
	for _, e := range history {
		if e.Content == "" {
			continue
		}
		role := e.Role
		if role != RoleUser && role != RoleAssistant {
			role = RoleUser
		}
		if len(turns) == 0 && role == RoleAssistant {
			turns = append(turns, TextTurn(RoleUser, continuedMarker))
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Blocks = append(turns[n-1].Blocks, TextBlock{Text: e.Content})
			continue
		}
		turns = append(turns, TextTurn(role, e.Content))
	}
	return turns
}

// appendUserMessage merges the current message into a trailing user
// turn, or starts a new one.
func appendUserMessage(turns []Turn, message string) []Turn {
	if n := len(turns); n > 0 && turns[n-1].Role == RoleUser {
		turns[n-1].Blocks = append(turns[n-1].Blocks, TextBlock{Text: message})
		return turns
	}
	return append(turns, TextTurn(RoleUser, message))
}

// dropOldest removes the oldest exchange: the leading user turn and,
// to keep alternation starting with RoleUser, the assistant turn that
// follows it. The final turn is always a user turn, so this never
// removes the current message.
func dropOldest(turns []Turn) []Turn {
	turns = turns[1:]
	if len(turns) > 0 && turns[0].Role == RoleAssistant {
		turns = turns[1:]
	}
	return turns
}

// estimateTokens applies the proportional estimator over every block of
// every turn.
func estimateTokens(turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += perTurnOverhead
		for _, b := range t.Blocks {
			total += estimateBlockTokens(b)
		}
	}
	return total
}

func estimateBlockTokens(b ContentBlock) int {
	switch v := b.(type) {
	case TextBlock:
		return len(v.Text)/bytesPerToken + 1
	case ToolUseBlock:
		return (len(v.Name)+len(v.Input))/bytesPerToken + 1
	case ToolResultBlock:
		n := 1
		for _, inner := range v.Content {
			n += estimateBlockTokens(inner)
		}
		return n
	case ImageBlock:
		// Vision inputs are tokenized by the provider from pixels, not
		// bytes; use a flat per-image cost.
		return 1200
	case DocumentBlock:
		return len(v.Data) / (bytesPerToken * 2)
	case ServerToolUseBlock:
		return (len(v.Name)+len(v.Input))/bytesPerToken + 1
	case ServerToolResultBlock:
		return len(v.Content)/bytesPerToken + 1
	default:
		return 1
	}
}
