package attendance

// Canonical attendance statuses. Stored marks may still carry legacy
// synonyms written by older clients; Normalize folds those in at every
// read boundary so counts and filters see exactly these six values.
const (
	StatusPresent          = "present"
	StatusLate             = "late"
	StatusAbsentNoExcuse   = "absent_no_excuse"
	StatusAbsentWithExcuse = "absent_with_excuse"
	StatusExcusedLeave     = "excused_leave"
	StatusHumanCase        = "human_case"
)

var canonicalStatuses = map[string]bool{
	StatusPresent:          true,
	StatusLate:             true,
	StatusAbsentNoExcuse:   true,
	StatusAbsentWithExcuse: true,
	StatusExcusedLeave:     true,
	StatusHumanCase:        true,
}

// legacy synonyms accreted over time
var legacyStatuses = map[string]string{
	"absent": StatusAbsentNoExcuse,
	"leave":  StatusExcusedLeave,
}

// Normalize maps any stored status string to its canonical value. An
// empty status means the mark predates explicit statuses and defaults to
// present, the value assigned at redemption time.
func Normalize(status string) string {
	if mapped, ok := legacyStatuses[status]; ok {
		return mapped
	}
	if canonicalStatuses[status] {
		return status
	}
	if status == "" {
		return StatusPresent
	}
	// Unrecognized strings are routed to manual review rather than
	// silently dropped from counts.
	return StatusHumanCase
}

// IsCanonical reports whether status is already one of the six canonical
// values.
func IsCanonical(status string) bool {
	return canonicalStatuses[status]
}

// Summary counts marks per canonical status. Marks carrying legacy
// statuses are folded in first, so the totals never double-count.
func Summary(marks []Mark) map[string]int {
	counts := make(map[string]int, len(canonicalStatuses))
	for _, m := range marks {
		counts[Normalize(m.Status)]++
	}
	return counts
}
