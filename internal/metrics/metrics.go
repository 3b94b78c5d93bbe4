package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Redemptions counts scan/code redemption attempts by outcome: "ok", one
// of the rejection kinds, or "store_error".
var Redemptions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "attendance_redemptions_total",
	Help: "Redemption attempts by outcome.",
}, []string{"outcome"})

// SessionsOpened counts sessions opened by instructors.
var SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
	Name: "attendance_sessions_opened_total",
	Help: "Attendance sessions opened.",
})

// MarkOverrides counts reviewer reconciliations applied.
var MarkOverrides = promauto.NewCounter(prometheus.CounterOpts{
	Name: "attendance_mark_overrides_total",
	Help: "Reviewer overrides applied to marks.",
})
