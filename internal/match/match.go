// Package match implements the matching-engine algorithm shared by its
// three call sites: forward-sync diff, syncback diff, and editor
// hydration. All three go through the one Match function below, so their
// pairings can never drift apart.
package match

import "sort"

// unmatchedPenalty is the large fixed cost assigned to leaving a node
// dangling, so the greedy assignment prefers any pairing over none when
// scores are close.
const unmatchedPenalty = 10000

// maxRecursionDepth caps how deep the scoring function recurses into
// children when computing a pairing score.
const maxRecursionDepth = 3

// Node is the minimal shape the matching engine needs from either side of
// a pairing. Implementations (snapshot subtree, live tree subtree, editor
// DOM subtree) adapt their real types to this interface so the one
// algorithm below serves every call site.
type Node interface {
	// Key returns (name, class) used for the bucket fast path.
	Key() (name, class string)
	// PropertyDiffCount returns the number of property/name/class
	// differences against another Node of the same (name, class) bucket.
	PropertyDiffCount(other Node) int
	// Children returns this node's children in original insertion order,
	// needed for stable tie-breaking.
	Children() []Node
}

// Pairing is the result of matching two children lists.
type Pairing struct {
	// Pairs maps an index into `left` to an index into `right`.
	Pairs map[int]int
	// UnmatchedLeft / UnmatchedRight are indexes with no counterpart.
	UnmatchedLeft  []int
	UnmatchedRight []int
}

// Match pairs the children of `left` (e.g. a fresh snapshot) against the
// children of `right` (e.g. the live tree).
func Match(left, right []Node) Pairing {
	return matchAtDepth(left, right, 0)
}

type bucketKey struct{ name, class string }

func matchAtDepth(left, right []Node, depth int) Pairing {
	result := Pairing{Pairs: make(map[int]int)}

	leftBuckets := make(map[bucketKey][]int)
	for i, n := range left {
		name, class := n.Key()
		k := bucketKey{name, class}
		leftBuckets[k] = append(leftBuckets[k], i)
	}
	rightBuckets := make(map[bucketKey][]int)
	for i, n := range right {
		name, class := n.Key()
		k := bucketKey{name, class}
		rightBuckets[k] = append(rightBuckets[k], i)
	}

	matchedLeft := make(map[int]bool)
	matchedRight := make(map[int]bool)

	// Fast path: exactly one candidate on each side of a bucket.
	keys := sortedBucketKeys(leftBuckets)
	for _, k := range keys {
		ls := leftBuckets[k]
		rs := rightBuckets[k]
		if len(ls) == 1 && len(rs) == 1 {
			result.Pairs[ls[0]] = rs[0]
			matchedLeft[ls[0]] = true
			matchedRight[rs[0]] = true
		}
	}

	// Slow path: greedy min-score assignment within each remaining
	// bucket.
	for _, k := range keys {
		ls := unmatchedOf(leftBuckets[k], matchedLeft)
		rs := unmatchedOf(rightBuckets[k], matchedRight)
		if len(ls) == 0 || len(rs) == 0 {
			continue
		}
		assignGreedy(left, right, ls, rs, depth, result.Pairs, matchedLeft, matchedRight)
	}

	// Final pass: leftovers pair across class within the same name, so a
	// class change surfaces as an update that keeps the node's identity
	// instead of a remove plus add.
	leftByName := make(map[string][]int)
	for i := range left {
		if matchedLeft[i] {
			continue
		}
		name, _ := left[i].Key()
		leftByName[name] = append(leftByName[name], i)
	}
	rightByName := make(map[string][]int)
	for i := range right {
		if matchedRight[i] {
			continue
		}
		name, _ := right[i].Key()
		rightByName[name] = append(rightByName[name], i)
	}
	names := make([]string, 0, len(leftByName))
	for name := range leftByName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ls, rs := leftByName[name], rightByName[name]
		if len(ls) == 0 || len(rs) == 0 {
			continue
		}
		assignGreedy(left, right, ls, rs, depth, result.Pairs, matchedLeft, matchedRight)
	}

	for i := range left {
		if !matchedLeft[i] {
			result.UnmatchedLeft = append(result.UnmatchedLeft, i)
		}
	}
	for i := range right {
		if !matchedRight[i] {
			result.UnmatchedRight = append(result.UnmatchedRight, i)
		}
	}
	sort.Ints(result.UnmatchedLeft)
	sort.Ints(result.UnmatchedRight)

	return result
}

func sortedBucketKeys(m map[bucketKey][]int) []bucketKey {
	keys := make([]bucketKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].name != keys[j].name {
			return keys[i].name < keys[j].name
		}
		return keys[i].class < keys[j].class
	})
	return keys
}

func unmatchedOf(indexes []int, matched map[int]bool) []int {
	var out []int
	for _, i := range indexes {
		if !matched[i] {
			out = append(out, i)
		}
	}
	return out
}

type candidate struct {
	li, ri int
	score  int
}

// assignGreedy computes the score of every (left, right) candidate pair in
// the bucket, then greedily assigns lowest-score-first, breaking ties by
// original insertion index.
func assignGreedy(left, right []Node, ls, rs []int, depth int, pairs map[int]int, matchedLeft, matchedRight map[int]bool) {
	candidates := make([]candidate, 0, len(ls)*len(rs))
	for _, li := range ls {
		for _, ri := range rs {
			score := scorePair(left[li], right[ri], depth)
			candidates = append(candidates, candidate{li: li, ri: ri, score: score})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		if candidates[i].li != candidates[j].li {
			return candidates[i].li < candidates[j].li
		}
		return candidates[i].ri < candidates[j].ri
	})

	for _, c := range candidates {
		if matchedLeft[c.li] || matchedRight[c.ri] {
			continue
		}
		pairs[c.li] = c.ri
		matchedLeft[c.li] = true
		matchedRight[c.ri] = true
	}
}

// scorePair computes the number of property/name/class differences at
// this node, plus the recursive change count of the best child
// sub-pairing, capped at maxRecursionDepth.
func scorePair(a, b Node, depth int) int {
	score := a.PropertyDiffCount(b)
	if depth >= maxRecursionDepth {
		return score
	}

	childPairing := matchAtDepth(a.Children(), b.Children(), depth+1)
	aChildren, bChildren := a.Children(), b.Children()
	for li, ri := range childPairing.Pairs {
		score += scorePair(aChildren[li], bChildren[ri], depth+1)
	}
	score += len(childPairing.UnmatchedLeft) * unmatchedPenalty
	score += len(childPairing.UnmatchedRight) * unmatchedPenalty

	return score
}
