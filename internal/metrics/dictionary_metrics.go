package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dictionary & Attribute Metrics
var (
	// DictionaryInsertsTotal counts unique values inserted
	DictionaryInsertsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiver_dictionary_inserts_total",
			Help: "Total number of unique values inserted into dictionaries",
		},
	)

	// DictionaryRemovalsTotal counts unique values removed
	DictionaryRemovalsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiver_dictionary_removals_total",
			Help: "Total number of unique values removed from dictionaries",
		},
	)

	// DictionaryShardCompactionsTotal counts hash shard rebuilds
	DictionaryShardCompactionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiver_dictionary_shard_compactions_total",
			Help: "Total number of hash dictionary shard compactions",
		},
	)

	// TensorValuesStoredTotal counts tensor values written into stores
	TensorValuesStoredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiver_tensor_values_stored_total",
			Help: "Total number of tensor values stored",
		},
	)

	// AttributeCommitsTotal counts attribute commit cycles
	AttributeCommitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiver_attribute_commits_total",
			Help: "Total number of attribute commit cycles",
		},
	)
)
