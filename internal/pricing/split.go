package pricing

import "sort"

// SizedIssue is one issue of a batched request together with the size of its
// serialized form inside the prompt.
type SizedIssue struct {
	Number int
	Chars  int
}

// Share is the portion of a batched request's usage attributed to one issue.
type Share struct {
	Number       int
	InputTokens  int64
	OutputTokens int64
}

// SplitTriageCosts attributes the usage of one batched LLM call to the issues
// it classified. Input tokens are split in proportion to each issue's
// estimated token share, output tokens evenly. Largest-remainder rounding
// keeps both sums equal to the totals.
func SplitTriageCosts(candidates []SizedIssue, totalInput, totalOutput int64) []Share {
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		return []Share{{
			Number:       candidates[0].Number,
			InputTokens:  totalInput,
			OutputTokens: totalOutput,
		}}
	}

	weights := make([]float64, len(candidates))
	var sum float64
	for i, c := range candidates {
		weights[i] = float64(EstimateTokens(c.Chars))
		sum += weights[i]
	}
	if sum == 0 {
		for i := range weights {
			weights[i] = 1
		}
		sum = float64(len(weights))
	}

	even := make([]float64, len(candidates))
	for i := range even {
		even[i] = 1
	}

	inputs := apportion(totalInput, weights, sum)
	outputs := apportion(totalOutput, even, float64(len(candidates)))

	shares := make([]Share, len(candidates))
	for i, c := range candidates {
		shares[i] = Share{
			Number:       c.Number,
			InputTokens:  inputs[i],
			OutputTokens: outputs[i],
		}
	}
	return shares
}

// apportion distributes total across weights using the largest remainder
// method. Ties go to the earlier index.
func apportion(total int64, weights []float64, sum float64) []int64 {
	out := make([]int64, len(weights))
	if total <= 0 || sum <= 0 {
		return out
	}

	type remainder struct {
		idx  int
		frac float64
	}
	rems := make([]remainder, len(weights))

	var assigned int64
	for i, w := range weights {
		exact := float64(total) * w / sum
		floor := int64(exact)
		out[i] = floor
		assigned += floor
		rems[i] = remainder{idx: i, frac: exact - float64(floor)}
	}

	sort.SliceStable(rems, func(a, b int) bool {
		return rems[a].frac > rems[b].frac
	})
	for i := int64(0); i < total-assigned; i++ {
		out[rems[i%int64(len(rems))].idx]++
	}
	return out
}
