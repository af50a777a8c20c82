package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
)

func TestIOPool(t *testing.T) {
	t.Run("should bound concurrent calls", func(t *testing.T) {
		p := newIOPool(2)
		var active, peak atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := p.do(context.Background(), func() error {
					n := active.Add(1)
					for {
						old := peak.Load()
						if n <= old || peak.CompareAndSwap(old, n) {
							break
						}
					}
					time.Sleep(time.Millisecond)
					active.Add(-1)
					return nil
				})
				if err != nil {
					t.Error(err)
				}
			}()
		}
		wg.Wait()
		if peak.Load() > 2 {
			t.Fatalf("%d calls ran at once", peak.Load())
		}
	})

	t.Run("should return once the context ends", func(t *testing.T) {
		p := newIOPool(1)
		release := make(chan struct{})
		finished := make(chan struct{})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		err := p.do(ctx, func() error {
			<-release
			close(finished)
			return nil
		})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, found %v", err)
		}

		// The slot stays taken until the call is done
		if _, err := p.submit(ctx, func() error { return nil }); err == nil {
			t.Fatal("expected no free slot")
		}
		close(release)
		<-finished
	})

	t.Run("should default its size", func(t *testing.T) {
		if p := newIOPool(0); p.size != DefaultMaxConcurrentIO {
			t.Fatalf("unexpected size %d", p.size)
		}
	})
}
