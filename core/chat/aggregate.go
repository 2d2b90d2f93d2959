package chat

import "math"

// Aggregate is the tallied state of a poll.
type Aggregate struct {
	PerOption   []int `json:"per_option"`
	TotalVoters int   `json:"total_voters"`
	Percent     []int `json:"percent_per_option"`
}

// AggregateSingleChoice tallies a single-choice poll. TotalVoters is the number
// of distinct voters, so percentages are share-of-voters.
func AggregateSingleChoice(p Poll) Aggregate {
	perOption := tally(p)
	voters := make(map[string]struct{}, len(p.Votes))
	for _, v := range p.Votes {
		voters[v.VoterKind+":"+v.VoterID] = struct{}{}
	}
	return withPercentages(perOption, len(voters))
}

// AggregateMultipleChoice tallies a multiple-choice poll. TotalVoters is the
// number of vote tuples (a voter counts once per option chosen), so
// percentages are share-of-selections, not share-of-voters.
func AggregateMultipleChoice(p Poll) Aggregate {
	return withPercentages(tally(p), len(p.Votes))
}

// Tally dispatches on the poll's voting mode.
func (p Poll) Tally() Aggregate {
	if p.MultipleChoice {
		return AggregateMultipleChoice(p)
	}
	return AggregateSingleChoice(p)
}

func tally(p Poll) []int {
	perOption := make([]int, len(p.Options))
	for _, v := range p.Votes {
		if v.OptionIdx >= 0 && v.OptionIdx < len(perOption) {
			perOption[v.OptionIdx]++
		}
	}
	return perOption
}

func withPercentages(perOption []int, totalVoters int) Aggregate {
	percent := make([]int, len(perOption))
	if totalVoters > 0 {
		for i, n := range perOption {
			percent[i] = int(math.Round(float64(n) / float64(totalVoters) * 100))
		}
	}
	return Aggregate{PerOption: perOption, TotalVoters: totalVoters, Percent: percent}
}
