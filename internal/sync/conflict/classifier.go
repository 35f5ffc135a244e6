// Package conflict detects divergence between local and remote versions of
// an entity and applies resolution strategies to it.
package conflict

import (
	"github.com/kimhsiao/fairway/internal/models"
)

// Classifier decides whether a local/remote pair conflicts and how.
// Classify is total: it must return for any combination of absent (nil)
// and present entities. ok is false when there is nothing to record.
type Classifier interface {
	Classify(local, remote models.Entity) (t models.ConflictType, ok bool)
}

// DefaultClassifier is used by Detect.
var DefaultClassifier Classifier = LastModifiedClassifier{}

// Detect classifies a pair with the default last-writer-wins policy.
func Detect(local, remote models.Entity) (models.ConflictType, bool) {
	return DefaultClassifier.Classify(local, remote)
}

// LastModifiedClassifier compares the lastModified timestamps:
//
//	remote newer            -> server_newer
//	local newer             -> local_newer
//	same/absent, different  -> content_conflict
//	only remote / only local -> server_only / local_only
//
// A timestamp is compared only when both sides carry one.
type LastModifiedClassifier struct{}

// Classify implements Classifier.
func (LastModifiedClassifier) Classify(local, remote models.Entity) (models.ConflictType, bool) {
	return classifyBy(local, remote, func(e models.Entity) (int64, bool) {
		return e.LastModified()
	})
}

// FieldVersionClassifier compares an integer version field instead of
// lastModified, for collections that keep an explicit revision counter.
type FieldVersionClassifier struct {
	Field string
}

// Classify implements Classifier.
func (c FieldVersionClassifier) Classify(local, remote models.Entity) (models.ConflictType, bool) {
	return classifyBy(local, remote, func(e models.Entity) (int64, bool) {
		return models.Entity{models.FieldLastModified: e[c.Field]}.LastModified()
	})
}

func classifyBy(local, remote models.Entity, version func(models.Entity) (int64, bool)) (models.ConflictType, bool) {
	switch {
	case local == nil && remote == nil:
		return "", false
	case local == nil:
		return models.ConflictServerOnly, true
	case remote == nil:
		return models.ConflictLocalOnly, true
	}

	lv, lok := version(local)
	rv, rok := version(remote)
	if lok && rok {
		if rv > lv {
			return models.ConflictServerNewer, true
		}
		if lv > rv {
			return models.ConflictLocalNewer, true
		}
	}

	if local.ContentEqual(remote) {
		return "", false
	}
	return models.ConflictContentConflict, true
}
