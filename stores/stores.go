package stores

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	pb "go.pagestream.dev/core/protocol"
)

var (
	constructors = make(map[string]Constructor)
	stores       = make(map[pb.BackupStore]*ActiveStore)
	storesMu     sync.RWMutex
)

// RegisterProviders registers store constructors for storage URL schemes.
// It's called at program startup with all available store types.
func RegisterProviders(providers map[string]Constructor) {
	storesMu.Lock()
	defer storesMu.Unlock()

	for scheme, constructor := range providers {
		constructors[scheme] = constructor
	}
}

// Get returns the ActiveStore of the BackupStore, constructing it and
// starting its periodic health checks if it's not already cached.
func Get(bs pb.BackupStore) (*ActiveStore, error) {
	storesMu.RLock()
	if active, ok := stores[bs]; ok {
		storesMu.RUnlock()
		return active, nil
	}
	storesMu.RUnlock()

	storesMu.Lock()
	defer storesMu.Unlock()

	if active, ok := stores[bs]; ok {
		return active, nil
	}

	if err := bs.Validate(); err != nil {
		return nil, err
	}
	var ep = bs.URL()

	constructor, ok := constructors[ep.Scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported backup store scheme: %s", ep.Scheme)
	}
	store, err := constructor(ep)
	if err != nil {
		// Not cached: we'll try again on the next call.
		return nil, err
	}

	var active = NewActiveStore(bs, store, nil)
	stores[bs] = active
	activeStores.Set(float64(len(stores)))

	var current = stores
	_ = time.AfterFunc(0, func() { checkLoop(current, bs, 0) })

	return active, nil
}

// Release removes the BackupStore from the cache of active stores,
// stopping its health checks. It returns false if the store wasn't cached.
func Release(bs pb.BackupStore) bool {
	storesMu.Lock()
	defer storesMu.Unlock()

	var active, ok = stores[bs]
	if ok {
		delete(stores, bs)
		active.UpdateHealth(ErrLastHealthCheck)
		activeStores.Set(float64(len(stores)))
	}
	return ok
}

var (
	activeStores = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pagestream_store_active",
		Help: "Number of active backup stores",
	})

	storeOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pagestream_store_operation_duration_seconds",
		Help:    "Duration of store operations in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
	}, []string{"store", "operation", "status"})

	storeOperationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestream_store_operation_total",
		Help: "Total number of store operations",
	}, []string{"store", "operation", "status"})

	storePutBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestream_store_put_bytes_total",
		Help: "Total bytes of content written to stores",
	}, []string{"store", "encoding"})

	storeListItems = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pagestream_store_list_items_count",
		Help:    "Number of items returned by list operations",
		Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1 to ~32k items
	}, []string{"store"})

	storeHealthCheckTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pagestream_store_health_check_total",
		Help: "Total number of store health checks, by outcome",
	}, []string{"store", "status"})
)
