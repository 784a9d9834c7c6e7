package approval

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "approval_requests_submitted_total",
		Help: "Total approval requests created.",
	})

	votesCast = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approval_votes_total",
		Help: "Votes applied, by scope and decision.",
	}, []string{"scope", "decision"})

	requestsDecided = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approval_requests_decided_total",
		Help: "Requests that reached a terminal status.",
	}, []string{"status"})

	mergeOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "approval_merge_outcomes_total",
		Help: "Per-proposal merge outcomes, by change kind.",
	}, []string{"kind", "outcome"})

	voteRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "approval_vote_retries_total",
		Help: "Vote applications retried after a concurrent revision change.",
	})
)

func init() {
	prometheus.MustRegister(requestsSubmitted, votesCast, requestsDecided, mergeOutcomes, voteRetries)
}
