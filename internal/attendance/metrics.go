package attendance

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"campusattend/internal/apperrors"
)

var (
	sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "sessions_created_total",
		Help:      "Attendance sessions opened by lecturers.",
	})
	scanOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendance",
		Name:      "scans_total",
		Help:      "Scan redemptions by outcome.",
	}, []string{"outcome"})
)

func observeScan(err error) {
	outcome := "marked"
	if err != nil {
		outcome = strings.ToLower(apperrors.FromError(err).Code)
	}
	scanOutcomes.WithLabelValues(outcome).Inc()
}
