// Package sampler implements C5: message normalization and, for
// oversize inputs, budget-bounded random sampling so the moderation
// prompt never exceeds the configured content budget.
package sampler

import (
	"encoding/json"
	"math/rand"
	"sort"
	"strings"

	"github.com/AliZeynalov/langdock-moderation-gateway/internal/models"
)

// Budget is the maximum total normalized content length passed to the
// moderation provider, per spec.md §4.4.
const Budget = 30_000

const truncationMarker = "\n\n[... content truncated ...]\n\n"
const minExcerptLen = 200

// NormalizedMessage is a message reduced to plain text, ready for
// moderation prompt assembly.
type NormalizedMessage struct {
	Role    string
	Content string
}

// Bundle is the sampler's output: the (possibly reduced) message set
// plus IsPartialCheck, which is set only when a user message had to be
// dropped or the whole set was replaced by a too-large notice; a set
// reduced by truncation and sampling alone is not flagged.
type Bundle struct {
	Messages       []NormalizedMessage
	IsPartialCheck bool
}

// Normalize converts a wire message into plain text: multi-part
// content keeps only text parts joined by newlines; a string that
// parses as JSON is re-serialized with indentation for readability;
// anything else passes through unchanged.
func Normalize(msg models.Message) NormalizedMessage {
	if msg.Content.IsParts() {
		var texts []string
		for _, p := range msg.Content.Parts {
			if p.Type == "text" && p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		return NormalizedMessage{Role: msg.Role, Content: strings.Join(texts, "\n")}
	}

	raw := msg.Content.Text
	var asJSON any
	if err := json.Unmarshal([]byte(raw), &asJSON); err == nil {
		if pretty, err := json.MarshalIndent(asJSON, "", "  "); err == nil {
			return NormalizedMessage{Role: msg.Role, Content: string(pretty)}
		}
	}
	return NormalizedMessage{Role: msg.Role, Content: raw}
}

// Sample normalizes every message and, if the total content length
// exceeds Budget, reduces it per spec.md §4.4's algorithm using rng
// for all randomized choices so callers can inject a seeded source
// for deterministic tests.
func Sample(messages []models.Message, rng *rand.Rand) Bundle {
	normalized := make([]NormalizedMessage, len(messages))
	total := 0
	for i, m := range messages {
		normalized[i] = Normalize(m)
		total += len(normalized[i].Content)
	}
	if total <= Budget {
		return Bundle{Messages: normalized}
	}

	bundle := reduce(normalized, rng, Budget)
	if totalLen(bundle) <= Budget {
		return Bundle{Messages: bundle}
	}

	// Still over budget: drop the last user message and retry once.
	if trimmed, ok := dropLastUser(normalized); ok {
		bundle = reduce(trimmed, rng, Budget)
		if totalLen(bundle) <= Budget {
			return Bundle{Messages: bundle, IsPartialCheck: true}
		}
	}

	return Bundle{
		Messages: []NormalizedMessage{{
			Role:    "system",
			Content: "The submitted content is too large to review in full; this request was only partially checked.",
		}},
		IsPartialCheck: true,
	}
}

func totalLen(msgs []NormalizedMessage) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content)
	}
	return n
}

func dropLastUser(msgs []NormalizedMessage) ([]NormalizedMessage, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			out := make([]NormalizedMessage, 0, len(msgs)-1)
			out = append(out, msgs[:i]...)
			out = append(out, msgs[i+1:]...)
			return out, true
		}
	}
	return nil, false
}

// reduce implements the two-phase packing described in spec.md §4.4:
// up to 50% of the budget for non-user messages, the remainder spent
// on user messages.
func reduce(msgs []NormalizedMessage, rng *rand.Rand, budget int) []NormalizedMessage {
	var nonUser, user []NormalizedMessage
	for _, m := range msgs {
		if m.Role == "user" {
			user = append(user, m)
		} else {
			nonUser = append(nonUser, m)
		}
	}

	nonUserBudget := budget / 2
	packedNonUser, spent := packWhole(nonUser, nonUserBudget)

	remaining := budget - spent
	packedUser := packUser(user, rng, remaining)

	out := make([]NormalizedMessage, 0, len(packedNonUser)+len(packedUser))
	out = append(out, packedNonUser...)
	out = append(out, packedUser...)
	return out
}

// packWhole adds messages whole while they fit the budget; a message
// that doesn't fit whole is truncated (once) with a visible marker.
func packWhole(msgs []NormalizedMessage, budget int) ([]NormalizedMessage, int) {
	var out []NormalizedMessage
	spent := 0
	for i, m := range msgs {
		if spent+len(m.Content) <= budget {
			out = append(out, m)
			spent += len(m.Content)
			continue
		}
		remaining := budget - spent
		if remaining > len(truncationMarker) {
			truncated := m.Content[:remaining-len(truncationMarker)] + truncationMarker
			out = append(out, NormalizedMessage{Role: m.Role, Content: truncated})
			spent += len(truncated)
		}
		// only the first oversize message gets a truncated slot; the
		// rest of this tier is dropped for budget.
		_ = i
		break
	}
	return out, spent
}

// packUser implements spec.md §4.4's single-vs-multi user-message
// sampling strategy.
func packUser(msgs []NormalizedMessage, rng *rand.Rand, budget int) []NormalizedMessage {
	if budget <= 0 || len(msgs) == 0 {
		return nil
	}

	if len(msgs) == 1 {
		return []NormalizedMessage{sampleHeadMiddleTail(msgs[0], rng, budget)}
	}

	sorted := make([]NormalizedMessage, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i].Content) < len(sorted[j].Content) })

	var out []NormalizedMessage
	spent := 0
	i := 0
	for ; i < len(sorted); i++ {
		if spent+len(sorted[i].Content) > budget {
			break
		}
		out = append(out, sorted[i])
		spent += len(sorted[i].Content)
	}

	leftover := append([]NormalizedMessage(nil), sorted[i:]...)
	rng.Shuffle(len(leftover), func(a, b int) { leftover[a], leftover[b] = leftover[b], leftover[a] })

	for _, m := range leftover {
		remaining := budget - spent
		if remaining < minExcerptLen {
			break
		}
		excerptLen := remaining
		if excerptLen > len(m.Content) {
			excerptLen = len(m.Content)
		}
		excerpt := m.Content[:excerptLen]
		if excerptLen < len(m.Content) {
			excerpt += truncationMarker
		}
		out = append(out, NormalizedMessage{Role: m.Role, Content: excerpt})
		spent += len(excerpt)
	}
	return out
}

// sampleHeadMiddleTail extracts head + random-offset middle + tail,
// each capped at budget/3.5, separated by the truncation marker.
func sampleHeadMiddleTail(m NormalizedMessage, rng *rand.Rand, budget int) NormalizedMessage {
	content := m.Content
	if len(content) <= budget {
		return m
	}

	segBudget := int(float64(budget) / 3.5)
	if segBudget < 1 {
		segBudget = 1
	}

	head := clip(content, 0, segBudget)

	tailStart := len(content) - segBudget
	if tailStart < 0 {
		tailStart = 0
	}
	tail := clip(content, tailStart, len(content))

	middleSpan := len(content) - 2*segBudget
	var middle string
	if middleSpan > segBudget {
		maxOffset := middleSpan - segBudget
		offset := segBudget + rng.Intn(maxOffset+1)
		middle = clip(content, offset, offset+segBudget)
	}

	parts := []string{head}
	if middle != "" {
		parts = append(parts, middle)
	}
	parts = append(parts, tail)

	return NormalizedMessage{Role: m.Role, Content: strings.Join(parts, truncationMarker)}
}

func clip(s string, start, end int) string {
	if start < 0 {
		start = 0
	}
	if end > len(s) {
		end = len(s)
	}
	if start >= end {
		return ""
	}
	return s[start:end]
}
