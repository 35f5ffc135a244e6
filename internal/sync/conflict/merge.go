package conflict

import (
	"bytes"
	"encoding/json"

	"github.com/kimhsiao/fairway/internal/models"
)

// Rule decides which side a merged field comes from.
type Rule string

const (
	RuleUseRemote Rule = "use_remote"
	RuleUseLocal  Rule = "use_local"
	RuleCombine   Rule = "combine" // union of list values, local order first
	RuleLatest    Rule = "latest"  // side with the larger lastModified, local on ties
)

// Valid reports whether r is a known rule.
func (r Rule) Valid() bool {
	switch r {
	case RuleUseRemote, RuleUseLocal, RuleCombine, RuleLatest:
		return true
	}
	return false
}

// Rules maps field names to merge rules.
type Rules map[string]Rule

// Merge combines local and remote field by field. Fields without a rule use
// fallback (RuleLatest when empty). A field absent on the chosen side is
// absent in the result. The id is always kept and the synced flag dropped;
// the caller stamps bookkeeping fields. Merge does not modify its inputs.
func Merge(local, remote models.Entity, rules Rules, fallback Rule) models.Entity {
	switch {
	case local == nil && remote == nil:
		return nil
	case local == nil:
		return withoutSynced(remote.Clone())
	case remote == nil:
		return withoutSynced(local.Clone())
	}
	if !fallback.Valid() {
		fallback = RuleLatest
	}

	lm, _ := local.LastModified()
	rm, _ := remote.LastModified()
	latest := local
	if rm > lm {
		latest = remote
	}

	keys := make(map[string]struct{}, len(local)+len(remote))
	for k := range local {
		keys[k] = struct{}{}
	}
	for k := range remote {
		keys[k] = struct{}{}
	}
	delete(keys, models.FieldSynced)

	merged := make(models.Entity, len(keys))
	for k := range keys {
		rule, ok := rules[k]
		if !ok || !rule.Valid() {
			rule = fallback
		}

		var (
			v       any
			present bool
		)
		switch rule {
		case RuleUseRemote:
			v, present = remote[k]
		case RuleUseLocal:
			v, present = local[k]
		case RuleCombine:
			v, present = combine(local, remote, latest, k)
		default:
			v, present = latest[k]
		}
		if present {
			merged[k] = deepCopy(v)
		}
	}

	if id := local.ID(); id != "" {
		merged[models.FieldID] = id
	} else {
		merged[models.FieldID] = remote.ID()
	}
	return merged
}

// combine unions two list values. Non-list values fall back to latest.
func combine(local, remote, latest models.Entity, key string) (any, bool) {
	lv, lok := local[key]
	rv, rok := remote[key]
	ll, lIsList := lv.([]any)
	rl, rIsList := rv.([]any)

	switch {
	case lok && rok && lIsList && rIsList:
		out := make([]any, 0, len(ll)+len(rl))
		seen := make([][]byte, 0, len(ll)+len(rl))
		for _, item := range append(append([]any{}, ll...), rl...) {
			enc, err := json.Marshal(item)
			if err == nil && containsBytes(seen, enc) {
				continue
			}
			seen = append(seen, enc)
			out = append(out, item)
		}
		return out, true
	case lok && !rok && lIsList:
		return lv, true
	case rok && !lok && rIsList:
		return rv, true
	default:
		v, ok := latest[key]
		return v, ok
	}
}

func containsBytes(list [][]byte, b []byte) bool {
	for _, item := range list {
		if bytes.Equal(item, b) {
			return true
		}
	}
	return false
}

func deepCopy(v any) any {
	return models.Entity{"v": v}.Clone()["v"]
}

func withoutSynced(e models.Entity) models.Entity {
	delete(e, models.FieldSynced)
	return e
}
