package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/charmbracelet/log"
)

/*
Forgetter keeps a user's episodic store bounded and relevant. One cycle runs
three passes: a compression pass that folds near-duplicate low-value pairs
into the more important member (the survivor stays active, marked compressed,
with the discarded id recorded in its provenance), a threshold pass that
archives (or deletes) memories whose effective importance has decayed below
the floor, and a capacity pass that archives the least important memories
once the store exceeds its cap.

Per-memory failures are logged and skipped; a cycle never escalates them.
*/
type Forgetter struct {
	cfg       Config
	embedder  Embedder
	documents DocumentRepo
	vectors   VectorRepo
}

// NewForgetter wires a Forgetter. embedder may be nil, which disables the
// compression pass.
func NewForgetter(cfg Config, embedder Embedder, documents DocumentRepo, vectors VectorRepo) *Forgetter {
	return &Forgetter{
		cfg:       cfg,
		embedder:  embedder,
		documents: documents,
		vectors:   vectors,
	}
}

// EffectiveImportance computes the decayed, access-boosted importance of a
// memory at the given instant:
//
//	clamp(importance * decay^daysOld + min(boost*accessCount, 0.3), 0, 1)
//
// daysOld is the whole-day floor of the memory's age, so anything younger
// than a day keeps its full stored importance.
func EffectiveImportance(mem *EpisodicMemory, now time.Time, decay, boost float64) float64 {
	daysOld := int(now.Sub(mem.CreatedAt).Hours() / 24)

	if daysOld < 0 {
		daysOld = 0
	}

	boosted := boost * float64(mem.AccessCount)

	if boosted > 0.3 {
		boosted = 0.3
	}

	return Clamp(mem.Importance*math.Pow(decay, float64(daysOld)) + boosted)
}

// RunCycle executes one full forgetting cycle for a user. The scan is
// bounded to twice the store cap so a runaway store cannot stall the cycle.
func (f *Forgetter) RunCycle(ctx context.Context, userID string) (*ForgettingResult, error) {
	started := time.Now().UTC()

	result := &ForgettingResult{UserID: userID, StartedAt: started}

	scanLimit := 0

	if f.cfg.MaxMemories > 0 {
		scanLimit = 2 * f.cfg.MaxMemories
	}

	memories, err := f.documents.ListEpisodic(ctx, userID, false, scanLimit)

	if err != nil {
		return nil, fmt.Errorf("forgetter: list memories for %s: %w", userID, err)
	}

	result.Scanned = len(memories)

	removed := f.compressionPass(ctx, userID, memories, started, result)

	f.thresholdPass(ctx, memories, removed, started, result)

	f.capacityPass(ctx, userID, result)

	result.ElapsedMS = time.Since(started).Milliseconds()

	log.Info(
		"forgetting cycle complete",
		"user", userID,
		"scanned", result.Scanned,
		"archived", result.Archived,
		"deleted", result.Deleted,
		"compressed", result.Compressed,
	)

	return result, nil
}

// compressionPass pairwise-merges similar memories whose effective
// importance sits below twice the archive threshold. The pair member with
// the higher effective importance survives: it stays active, gains the
// discarded id in MergedFrom and is marked compressed; the other member is
// archived. Returns the archived ids so the threshold pass skips them,
// while survivors remain subject to re-scoring.
func (f *Forgetter) compressionPass(
	ctx context.Context,
	userID string,
	memories []*EpisodicMemory,
	now time.Time,
	result *ForgettingResult,
) map[string]bool {
	removed := map[string]bool{}

	if f.embedder == nil {
		return removed
	}

	type scored struct {
		mem *EpisodicMemory
		eff float64
	}

	var candidates []scored

	for _, mem := range memories {
		eff := EffectiveImportance(mem, now, f.cfg.DecayFactor, f.cfg.AccessBoost)

		if eff < 2*f.cfg.ImportanceThreshold {
			candidates = append(candidates, scored{mem: mem, eff: eff})
		}
	}

	if len(candidates) < 2 {
		return removed
	}

	texts := make([]string, len(candidates))

	for i, c := range candidates {
		texts[i] = c.mem.EmbeddingText()
	}

	embeddings, err := f.embedder.EmbedBatch(ctx, texts)

	if err != nil || len(embeddings) != len(candidates) {
		log.Warn("compression embedding failed", "user", userID, "error", err)
		return removed
	}

	for i := range candidates {
		if removed[candidates[i].mem.ID] {
			continue
		}

		for j := i + 1; j < len(candidates); j++ {
			if removed[candidates[j].mem.ID] {
				continue
			}

			if CosineSimilarity(embeddings[i], embeddings[j]) < f.cfg.MergeSimilarity {
				continue
			}

			keep, discard := candidates[i], candidates[j]

			if discard.eff > keep.eff {
				keep, discard = discard, keep
			}

			keep.mem.MergedFrom = append(keep.mem.MergedFrom, discard.mem.ID)
			keep.mem.IsCompressed = true
			keep.mem.UpdatedAt = now

			if err := f.documents.UpdateEpisodic(ctx, keep.mem); err != nil {
				log.Warn("merge survivor update failed", "memory", keep.mem.ID, "error", err)
				continue
			}

			discard.mem.IsArchived = true
			discard.mem.UpdatedAt = now

			if err := f.documents.UpdateEpisodic(ctx, discard.mem); err != nil {
				log.Warn("merged source archive failed", "memory", discard.mem.ID, "error", err)
				continue
			}

			removed[discard.mem.ID] = true
			result.Compressed++
			result.Details = append(result.Details, ForgetDetail{
				MemoryID:   discard.mem.ID,
				Action:     ActionCompressed,
				Effective:  discard.eff,
				MergedInto: keep.mem.ID,
			})

			// When the left-hand member lost the pairing it is gone; stop
			// comparing it against the rest.
			if removed[candidates[i].mem.ID] {
				break
			}
		}
	}

	return removed
}

// thresholdPass archives or deletes memories whose effective importance
// fell below the configured floor. Memories archived by the compression
// pass are skipped; compression survivors are re-scored like any other.
func (f *Forgetter) thresholdPass(
	ctx context.Context,
	memories []*EpisodicMemory,
	removed map[string]bool,
	now time.Time,
	result *ForgettingResult,
) {
	for _, mem := range memories {
		if removed[mem.ID] {
			continue
		}

		eff := EffectiveImportance(mem, now, f.cfg.DecayFactor, f.cfg.AccessBoost)

		if eff >= f.cfg.ImportanceThreshold {
			continue
		}

		if f.cfg.DeleteOnForget {
			if err := f.delete(ctx, mem); err != nil {
				log.Warn("memory delete failed", "memory", mem.ID, "error", err)
				continue
			}

			result.Deleted++
			result.Details = append(result.Details, ForgetDetail{
				MemoryID:  mem.ID,
				Action:    ActionDeleted,
				Effective: eff,
			})

			continue
		}

		mem.IsArchived = true
		mem.UpdatedAt = now

		if err := f.documents.UpdateEpisodic(ctx, mem); err != nil {
			log.Warn("memory archive failed", "memory", mem.ID, "error", err)
			continue
		}

		result.Archived++
		result.Details = append(result.Details, ForgetDetail{
			MemoryID:  mem.ID,
			Action:    ActionArchived,
			Effective: eff,
		})
	}
}

// capacityPass archives the least important active memories until the
// store is back under its cap.
func (f *Forgetter) capacityPass(ctx context.Context, userID string, result *ForgettingResult) {
	if f.cfg.MaxMemories <= 0 {
		return
	}

	active, err := f.documents.ListEpisodic(ctx, userID, false, 0)

	if err != nil {
		log.Warn("capacity check failed", "user", userID, "error", err)
		return
	}

	excess := len(active) - f.cfg.MaxMemories

	if excess <= 0 {
		return
	}

	sort.Slice(active, func(i, j int) bool {
		if active[i].Importance != active[j].Importance {
			return active[i].Importance < active[j].Importance
		}

		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})

	now := time.Now().UTC()

	for _, mem := range active[:excess] {
		mem.IsArchived = true
		mem.UpdatedAt = now

		if err := f.documents.UpdateEpisodic(ctx, mem); err != nil {
			log.Warn("capacity archive failed", "memory", mem.ID, "error", err)
			continue
		}

		result.Archived++
		result.Details = append(result.Details, ForgetDetail{
			MemoryID:  mem.ID,
			Action:    ActionArchived,
			Effective: mem.Importance,
		})
	}
}

// delete removes a memory from the document store and the vector index.
func (f *Forgetter) delete(ctx context.Context, mem *EpisodicMemory) error {
	if err := f.documents.DeleteEpisodic(ctx, mem.ID); err != nil {
		return err
	}

	if f.vectors != nil {
		if err := f.vectors.Delete(ctx, CollectionEpisodic, mem.ID); err != nil {
			log.Warn("vector delete failed", "memory", mem.ID, "error", err)
		}
	}

	return nil
}
