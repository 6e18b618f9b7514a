package reward

// CricketStats are the raw counters recorded for one cricket participant.
type CricketStats struct {
	Runs               uint32 `json:"runs"`
	BallsFaced         uint32 `json:"balls_faced"`
	Wickets            uint32 `json:"wickets"`
	ConsecutiveWickets uint32 `json:"consecutive_wickets"`
	OversBowled        uint32 `json:"overs_bowled"`
	RunsConceded       uint32 `json:"runs_conceded"`
	Maidens            uint32 `json:"maidens"`
}

// Cricket scoring weights.
const (
	runWeight       = 10
	wicketWeight    = 250
	maidenWeight    = 100
	overWeight      = 6
	concededPenalty = 2

	effortBallsDivisor = 2
	effortPerOver      = 5
	effortPerWicket    = 5
)

// SelectCricketTier evaluates the tier rules in priority order.
func SelectCricketTier(s CricketStats) TierID {
	switch {
	case s.Runs >= 100:
		return TierCentury
	case s.Runs >= 50:
		return TierHalfCentury
	case s.Wickets >= 5:
		return TierFiveWicketHaul
	case s.ConsecutiveWickets >= 3:
		return TierHatTrick
	case s.Maidens >= 3:
		return TierEconomy
	default:
		return TierAllRounder
	}
}

// CricketPerformanceScore is a linear combination of batting and bowling counters,
// floored at zero.
func CricketPerformanceScore(s CricketStats) uint64 {
	positive := uint64(s.Runs)*runWeight +
		uint64(s.Wickets)*wicketWeight +
		uint64(s.Maidens)*maidenWeight +
		uint64(s.BallsFaced) +
		uint64(s.OversBowled)*overWeight
	penalty := uint64(s.RunsConceded) * concededPenalty
	if penalty >= positive {
		return 0
	}
	return positive - penalty
}

// CricketEffortScore derives a 0-100 effort score from deliveries faced and bowled.
func CricketEffortScore(s CricketStats) uint8 {
	effort := uint64(s.BallsFaced)/effortBallsDivisor +
		uint64(s.OversBowled)*effortPerOver +
		uint64(s.Wickets)*effortPerWicket
	return uint8(min(effort, MaxEffort))
}
