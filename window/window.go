// Package window assembles the context handed to the model: a pinned
// system prefix, injected memories ranked by score, and the running turn
// history, all fitted to a token budget.
package window

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/types"
)

// Turn is one conversational exchange. Pinned turns are never evicted.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Pinned  bool   `json:"pinned"`
}

// BlockKind tags the origin of an assembled block.
type BlockKind string

const (
	BlockSystem BlockKind = "system"
	BlockMemory BlockKind = "memory"
	BlockTurn   BlockKind = "turn"
)

// Block is one unit of assembled context.
type Block struct {
	Kind    BlockKind `json:"kind"`
	Role    string    `json:"role,omitempty"`
	Content string    `json:"content"`
	Score   float64   `json:"score,omitempty"`
}

// AssembledContext is the fitted window. OverBudget reports the edge case
// where even the irreducible content (pinned turns, system prefix)
// exceeds the budget; content is returned as-is rather than silently
// truncated mid-text.
type AssembledContext struct {
	Blocks          []Block `json:"blocks"`
	TokenCount      int     `json:"token_count"`
	OverBudget      bool    `json:"over_budget"`
	DroppedTurns    int     `json:"dropped_turns"`
	DroppedMemories int     `json:"dropped_memories"`
}

// Text joins the blocks into a single prompt string.
func (a *AssembledContext) Text() string {
	parts := make([]string, len(a.Blocks))
	for i, b := range a.Blocks {
		parts[i] = b.Content
	}
	return strings.Join(parts, "\n")
}

// Config sizes the window.
type Config struct {
	// TokenBudget is the total window size in tokens.
	TokenBudget int `yaml:"token_budget" json:"token_budget"`
	// ReservedForResponse is held back from the budget for the reply.
	ReservedForResponse int `yaml:"reserved_for_response" json:"reserved_for_response"`
	// CharsPerToken feeds the default estimator when no tokenizer is
	// injected.
	CharsPerToken float64 `yaml:"chars_per_token" json:"chars_per_token"`
}

// DefaultConfig returns a window sized for common chat models.
func DefaultConfig() Config {
	return Config{
		TokenBudget:         8192,
		ReservedForResponse: 1024,
		CharsPerToken:       types.DefaultCharsPerToken,
	}
}

// ContextManager owns one session's window. Safe for concurrent use.
type ContextManager struct {
	mu           sync.Mutex
	config       Config
	tokenizer    types.Tokenizer
	systemPrefix string
	turns        []Turn
	memories     []types.ScoredRecord
	logger       *zap.Logger
}

// Option customizes a ContextManager.
type Option func(*ContextManager)

// WithTokenizer swaps the counting strategy; the default is the
// chars-per-token estimator.
func WithTokenizer(t types.Tokenizer) Option {
	return func(m *ContextManager) {
		if t != nil {
			m.tokenizer = t
		}
	}
}

// WithSystemPrefix pins a system prompt at the head of every assembly.
func WithSystemPrefix(prefix string) Option {
	return func(m *ContextManager) { m.systemPrefix = prefix }
}

// NewContextManager builds a window manager.
func NewContextManager(config Config, logger *zap.Logger, opts ...Option) *ContextManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.TokenBudget <= 0 {
		config.TokenBudget = DefaultConfig().TokenBudget
	}
	if config.ReservedForResponse < 0 {
		config.ReservedForResponse = 0
	}

	m := &ContextManager{
		config:    config,
		tokenizer: types.NewEstimateTokenizer(config.CharsPerToken),
		logger:    logger.With(zap.String("component", "context_manager")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddTurn appends a turn to the history. A non-pinned turn that by
// itself exceeds the usable budget is rejected with a CONTEXT_OVERFLOW
// error: it could never survive assembly. Pinned turns are accepted
// regardless; an oversize pinned turn surfaces as OverBudget at assembly
// time rather than truncated.
func (m *ContextManager) AddTurn(turn Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !turn.Pinned {
		usable := m.config.TokenBudget - m.config.ReservedForResponse
		if tokens := m.tokenizer.CountTokens(turn.Content); tokens > usable {
			return types.NewError(types.ErrContextOverflow,
				fmt.Sprintf("turn of %d tokens exceeds usable budget %d", tokens, usable))
		}
	}
	m.turns = append(m.turns, turn)
	return nil
}

// InjectMemories replaces the injected memory set.
func (m *ContextManager) InjectMemories(records types.RetrievalResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memories = append([]types.ScoredRecord(nil), records...)
}

// Turns returns a copy of the current history.
func (m *ContextManager) Turns() []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Turn(nil), m.turns...)
}

// Clear drops all turns and memories, keeping the system prefix.
func (m *ContextManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = nil
	m.memories = nil
}

// Assemble fits the window to the budget. Eviction order: oldest
// non-pinned turn first, then lowest-scored memory. The system prefix and
// pinned turns are irreducible; when they alone exceed the budget the
// result is flagged OverBudget instead of truncated.
func (m *ContextManager) Assemble() *AssembledContext {
	m.mu.Lock()
	defer m.mu.Unlock()

	budget := m.config.TokenBudget - m.config.ReservedForResponse

	turns := append([]Turn(nil), m.turns...)
	memories := append([]types.ScoredRecord(nil), m.memories...)
	sort.SliceStable(memories, func(i, j int) bool { return memories[i].Score > memories[j].Score })

	out := &AssembledContext{}
	for {
		out.Blocks = m.buildBlocks(turns, memories)
		out.TokenCount = m.countBlocks(out.Blocks)
		if out.TokenCount <= budget {
			return out
		}

		if idx := oldestNonPinned(turns); idx >= 0 {
			turns = append(turns[:idx], turns[idx+1:]...)
			out.DroppedTurns++
			continue
		}
		if len(memories) > 0 {
			memories = memories[:len(memories)-1]
			out.DroppedMemories++
			continue
		}

		// Only irreducible content remains.
		out.OverBudget = true
		m.logger.Warn("assembled context exceeds budget",
			zap.Int("token_count", out.TokenCount),
			zap.Int("budget", budget),
		)
		return out
	}
}

func (m *ContextManager) buildBlocks(turns []Turn, memories []types.ScoredRecord) []Block {
	blocks := make([]Block, 0, 1+len(memories)+len(turns))
	if m.systemPrefix != "" {
		blocks = append(blocks, Block{Kind: BlockSystem, Role: "system", Content: m.systemPrefix})
	}
	for _, mem := range memories {
		blocks = append(blocks, Block{Kind: BlockMemory, Content: mem.Record.Content, Score: mem.Score})
	}
	for _, turn := range turns {
		blocks = append(blocks, Block{Kind: BlockTurn, Role: turn.Role, Content: turn.Content})
	}
	return blocks
}

func (m *ContextManager) countBlocks(blocks []Block) int {
	total := 0
	for _, b := range blocks {
		total += m.tokenizer.CountTokens(b.Content)
	}
	return total
}

// oldestNonPinned returns the index of the first droppable turn, or -1.
func oldestNonPinned(turns []Turn) int {
	for i := range turns {
		if !turns[i].Pinned {
			return i
		}
	}
	return -1
}
