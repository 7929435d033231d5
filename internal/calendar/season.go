package calendar

// Season is a quarter of the year, by month.
type Season uint8

const (
	SeasonSpring Season = iota // March to May
	SeasonSummer               // June to August
	SeasonAutumn               // September to November
	SeasonWinter               // December to February
)

// String returns a human-readable season name.
func (s Season) String() string {
	switch s {
	case SeasonSpring:
		return "Spring"
	case SeasonSummer:
		return "Summer"
	case SeasonAutumn:
		return "Autumn"
	case SeasonWinter:
		return "Winter"
	default:
		return "Unknown"
	}
}

// Season returns the season the date falls in.
func (d GameDate) Season() Season {
	switch d.Month {
	case 3, 4, 5:
		return SeasonSpring
	case 6, 7, 8:
		return SeasonSummer
	case 9, 10, 11:
		return SeasonAutumn
	default:
		return SeasonWinter
	}
}
