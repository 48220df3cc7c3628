package policylist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var listRuleCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "adresu_policy_list_rules",
	Help: "Number of parsed rules per watched policy list and kind",
}, []string{"list", "kind"})

var listResyncCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "adresu_policy_list_resyncs",
	Help: "Number of full state refetches per policy list",
}, []string{"list"})

func observeListSize(listID string, snap *snapshot) {
	for _, kind := range Kinds {
		listRuleCount.WithLabelValues(listID, string(kind)).Set(float64(len(snap.rules[kind])))
	}
}

func forgetList(listID string) {
	for _, kind := range Kinds {
		listRuleCount.DeleteLabelValues(listID, string(kind))
	}
}
