// Package reconcile resolves the clip reference of user records against the
// clip catalogue of a compilation.
package reconcile

import (
	"github.com/MrWong99/podscript/internal/catalogue"
	"github.com/MrWong99/podscript/pkg/script"
)

// Rule names the resolution step that produced a [Result].
type Rule int

const (
	// RulePassthrough: the record is not a user record and is unchanged.
	RulePassthrough Rule = iota

	// RuleKept: the record already referenced a catalogued clip.
	RuleKept

	// RuleExact: the text matched a clip verbatim.
	RuleExact

	// RuleNormalized: the text matched a clip after removing white space.
	// The record text is replaced with the clip's text.
	RuleNormalized

	// RuleFallback: nothing matched and the first clip was assigned.
	RuleFallback

	// RuleDowngraded: the catalogue is empty; the record became narration.
	RuleDowngraded
)

var ruleNames = [...]string{
	RulePassthrough: "passthrough",
	RuleKept:        "kept",
	RuleExact:       "exact",
	RuleNormalized:  "normalized",
	RuleFallback:    "fallback",
	RuleDowngraded:  "downgraded",
}

// String returns a short lowercase name, suitable as a metric attribute.
func (r Rule) String() string {
	if r < 0 || int(r) >= len(ruleNames) {
		return "unknown"
	}
	return ruleNames[r]
}

// DowngradeWarning is the text of the warning record that follows a user
// record downgraded for lack of clips.
const DowngradeWarning = "no recorded clips are available; user line emitted as narration"

// Result is the outcome of reconciling one record.
type Result struct {
	// Record is the reconciled record. A user record always has a ClipID.
	Record script.Record

	// Warning is set when an extra warning record must follow Record.
	Warning *script.Record

	// Rule is the resolution step that applied.
	Rule Rule
}

// Records returns Record followed by Warning, if any, in emission order.
func (r Result) Records() []script.Record {
	if r.Warning == nil {
		return []script.Record{r.Record}
	}
	return []script.Record{r.Record, *r.Warning}
}

// Reconcile resolves rec against cat. It is a pure function: the same inputs
// always produce the same Result.
//
// Non-user records pass through. For user records, a ClipID already present
// in cat is kept; otherwise the first of exact match, white-space-insensitive
// match (adopting the clip's text), and first-clip fallback wins. With an
// empty catalogue the record is downgraded to narration and a warning follows.
func Reconcile(rec script.Record, cat *catalogue.Catalogue) Result {
	if rec.Kind != script.KindUser {
		return Result{Record: rec, Rule: RulePassthrough}
	}

	if cat == nil || cat.Empty() {
		w := script.Warning(DowngradeWarning)
		return Result{
			Record:  script.Narration(rec.Text),
			Warning: &w,
			Rule:    RuleDowngraded,
		}
	}

	if rec.ClipID != "" {
		if _, ok := cat.ByID(rec.ClipID); ok {
			return Result{Record: rec, Rule: RuleKept}
		}
	}

	if clip, ok := cat.Exact(rec.Text); ok {
		return Result{Record: userRecord(rec.Text, clip.ID), Rule: RuleExact}
	}
	if clip, ok := cat.Normalized(rec.Text); ok {
		return Result{Record: userRecord(clip.Content, clip.ID), Rule: RuleNormalized}
	}

	first, _ := cat.First()
	return Result{Record: userRecord(rec.Text, first.ID), Rule: RuleFallback}
}

func userRecord(text, clipID string) script.Record {
	return script.Record{Kind: script.KindUser, Text: text, ClipID: clipID}
}
