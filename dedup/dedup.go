package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// HashIndex is the store-side lookup the deduplicator needs: which of the
// given hashes already belong to a canonical (non-duplicate) chunk for the
// agent, and that chunk's id.
type HashIndex interface {
	CanonicalByHash(ctx context.Context, agentID string, hashes []string) (map[string]string, error)
}

// Decision is the dedup verdict for one chunk of a batch, in input order.
type Decision struct {
	Hash      string
	Duplicate bool

	// CanonicalID is set when the canonical chunk already exists in the
	// store. For within-batch duplicates it is empty and CanonicalIndex
	// points at the batch ordinal of the first occurrence instead.
	CanonicalID    string
	CanonicalIndex int
}

// Deduplicator filters chunk batches against stored hashes.
type Deduplicator struct {
	index  HashIndex
	logger *zap.Logger

	mu     sync.Mutex
	agents map[string]*sync.Mutex
}

// NewDeduplicator creates a deduplicator backed by the given hash index.
func NewDeduplicator(index HashIndex, logger *zap.Logger) *Deduplicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduplicator{
		index:  index,
		logger: logger.With(zap.String("component", "dedup")),
		agents: make(map[string]*sync.Mutex),
	}
}

// ChunkHash normalizes text (trim, lowercase, collapse whitespace) and
// returns its sha256 hex digest.
func ChunkHash(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Admission carries a batch's decisions while the per-agent lock is still
// held. Until Release, no other batch for the agent can pass the hash
// lookup, so callers persist their canonical chunks first and release
// after. Release is idempotent and must always be called.
type Admission struct {
	Decisions []Decision

	release func()
	once    sync.Once
}

// Release frees the per-agent admission lock.
func (a *Admission) Release() {
	a.once.Do(a.release)
}

// Admit decides, in order, which texts of a batch are duplicates and keeps
// the per-agent lock held until Release. Admission runs lookup-then-insert:
// two concurrent identical batches for one agent must not both observe an
// empty index, so the lock has to span the caller's insert as well.
func (d *Deduplicator) Admit(ctx context.Context, agentID string, texts []string) (*Admission, error) {
	unlock := d.lockAgent(agentID)
	decisions, err := d.decide(ctx, agentID, texts)
	if err != nil {
		unlock()
		return nil, err
	}
	return &Admission{Decisions: decisions, release: unlock}, nil
}

// FilterBatch is Admit for callers that only need the verdicts: the lock is
// released before returning. Callers that go on to persist canonical chunks
// must hold the admission open instead.
func (d *Deduplicator) FilterBatch(ctx context.Context, agentID string, texts []string) ([]Decision, error) {
	adm, err := d.Admit(ctx, agentID, texts)
	if err != nil {
		return nil, err
	}
	adm.Release()
	return adm.Decisions, nil
}

// decide resolves a batch: within-batch repeats are caught by a seen-set
// without extra store round trips; one store lookup resolves the rest.
// Callers hold the per-agent lock.
func (d *Deduplicator) decide(ctx context.Context, agentID string, texts []string) ([]Decision, error) {
	decisions := make([]Decision, len(texts))
	hashes := make([]string, 0, len(texts))
	seen := make(map[string]int, len(texts)) // hash -> first batch ordinal

	for i, text := range texts {
		h := ChunkHash(text)
		decisions[i] = Decision{Hash: h, CanonicalIndex: -1}
		if _, ok := seen[h]; !ok {
			seen[h] = i
			hashes = append(hashes, h)
		}
	}

	existing, err := d.index.CanonicalByHash(ctx, agentID, hashes)
	if err != nil {
		return nil, fmt.Errorf("dedup hash lookup: %w", err)
	}

	duplicates := 0
	for i := range decisions {
		h := decisions[i].Hash
		if id, ok := existing[h]; ok {
			decisions[i].Duplicate = true
			decisions[i].CanonicalID = id
			duplicates++
			continue
		}
		if first := seen[h]; first != i {
			decisions[i].Duplicate = true
			decisions[i].CanonicalIndex = first
			duplicates++
		}
	}

	if duplicates > 0 {
		d.logger.Debug("batch deduplicated",
			zap.String("agent_id", agentID),
			zap.Int("total", len(texts)),
			zap.Int("duplicates", duplicates))
	}

	return decisions, nil
}

// DedupSentences drops repeated sentences inside a text, keeping the first
// occurrence of each. Repeated boilerplate lines inside an otherwise unique
// chunk are collapsed this way.
func DedupSentences(text string) string {
	sentences := SplitSentences(text)
	if len(sentences) <= 1 {
		return text
	}

	seen := make(map[string]struct{}, len(sentences))
	kept := make([]string, 0, len(sentences))
	for _, s := range sentences {
		key := ChunkHash(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, s)
	}

	if len(kept) == len(sentences) {
		return text
	}
	return strings.Join(kept, " ")
}

// SplitSentences breaks text on terminal punctuation, keeping the
// punctuation with the sentence.
func SplitSentences(text string) []string {
	var sentences []string
	var sb strings.Builder
	for _, r := range text {
		sb.WriteRune(r)
		switch r {
		case '.', '!', '?', '\n':
			if s := strings.TrimSpace(sb.String()); s != "" {
				sentences = append(sentences, s)
			}
			sb.Reset()
		}
	}
	if s := strings.TrimSpace(sb.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func (d *Deduplicator) lockAgent(agentID string) func() {
	d.mu.Lock()
	m, ok := d.agents[agentID]
	if !ok {
		m = &sync.Mutex{}
		d.agents[agentID] = m
	}
	d.mu.Unlock()

	m.Lock()
	return m.Unlock
}
