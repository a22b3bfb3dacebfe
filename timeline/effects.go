package timeline

import (
	"fmt"
	"hash/fnv"
)

// Effect cascade sources, nearest to farthest: clip, track, enclosing
// groups (inner first), then the project master.
const (
	SourceClip   = "clip"
	SourceTrack  = "track"
	SourceGroup  = "group"
	SourceMaster = "master"
)

// pipelineLevel is one contributing pipeline in a clip's cascade.
type pipelineLevel struct {
	source   string
	sourceID string
	effects  []Effect
}

// cascade flattens a clip's pipeline levels into the placement's effect
// signature: per-param refs, the deduplicated chain, and per-param chain
// indexes into the compositor's compiled-chain control array.
type cascade struct {
	effectID   string
	effectKeys []ChainEffect
	effectRefs []EffectRef
	paramRefs  []ParamRef
}

func buildCascade(levels []pipelineLevel) cascade {
	var c cascade
	h := fnv.New64a()

	lastKey := ""
	for _, lvl := range levels {
		for idx, eff := range lvl.effects {
			effectKey := fmt.Sprintf("%s:%s:%d", lvl.source, lvl.sourceID, idx)

			// Chain entries deduplicate consecutive matches of the same
			// effect key. The key names its source level, so the same
			// effect on two levels yields two chain entries.
			if effectKey != lastKey {
				c.effectKeys = append(c.effectKeys, ChainEffect{Name: eff.Name, Key: effectKey})
				lastKey = effectKey
				fmt.Fprintf(h, "%s|%s;", eff.Name, effectKey)
			}
			chainIndex := len(c.effectKeys) - 1

			for _, p := range lvl.effects[idx].Params {
				ref := EffectRef{
					Source:      lvl.source,
					SourceID:    lvl.sourceID,
					EffectIndex: idx,
					ParamKey:    p.Key,
					Key:         effectKey + ":" + p.Key,
					Value:       clamp01(p.Value),
				}
				c.effectRefs = append(c.effectRefs, ref)
				c.paramRefs = append(c.paramRefs, ParamRef{EffectRef: ref, ChainIndex: chainIndex})
			}
		}
	}

	c.effectID = fmt.Sprintf("fx-%016x", h.Sum64())
	return c
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
