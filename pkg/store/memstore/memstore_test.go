package memstore

import (
	"testing"

	"github.com/aeolun/messageu/pkg/rwlock"
	"github.com/aeolun/messageu/pkg/store"
	"github.com/aeolun/messageu/pkg/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, opts store.Options) store.Store {
		return New(opts)
	})
}

func TestConformanceNativeLock(t *testing.T) {
	storetest.Run(t, func(t *testing.T, opts store.Options) store.Store {
		opts.Lock = rwlock.NewLocker("native")
		return New(opts)
	})
}
