package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryandielhenn/zephyrmesh/internal/cluster"
	"github.com/ryandielhenn/zephyrmesh/pkg/message"
)

func main() {
	nodes := flag.Int("nodes", 5, "cluster size")
	n := flag.Int("n", 5000, "requests")
	conc := flag.Int("c", 32, "concurrency")
	workload := flag.String("workload", "kafka", "broadcast | counter | kafka")
	keys := flag.Int("keys", 8, "distinct topics for the kafka workload")
	flag.Parse()
	if err := checkFlags(*nodes, *n, *conc, *keys); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx := context.Background()
	c, err := cluster.Start(ctx, cluster.Options{Nodes: *nodes})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer c.Close()

	ids := c.IDs()
	var failed atomic.Int64
	wg := sync.WaitGroup{}
	start := time.Now()
	ch := make(chan int, *conc)

	for i := 0; i < *n; i++ {
		wg.Add(1)
		ch <- 1
		go func(i int) {
			defer wg.Done()
			defer func() { <-ch }()

			var p message.Payload
			switch *workload {
			case "broadcast":
				p = &message.Broadcast{Message: i}
			case "counter":
				p = &message.Add{Delta: 1}
			default:
				p = &message.Send{Key: fmt.Sprintf("k%d", i%*keys), Msg: i}
			}
			callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			rep, err := c.Call(callCtx, fmt.Sprintf("c%d", i%*conc), ids[i%len(ids)], p)
			if err != nil {
				failed.Add(1)
				return
			}
			if _, isErr := rep.(*message.Error); isErr {
				failed.Add(1)
			}
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)
	fmt.Printf("Completed %d %s ops on %d nodes in %s (%.2f ops/s, %d failed)\n",
		*n, *workload, *nodes, dur, float64(*n)/dur.Seconds(), failed.Load())
}

// checkFlags rejects values the request loop divides by or cannot run with.
func checkFlags(nodes, n, conc, keys int) error {
	for _, f := range []struct {
		name string
		v    int
	}{{"nodes", nodes}, {"n", n}, {"c", conc}, {"keys", keys}} {
		if f.v < 1 {
			return fmt.Errorf("-%s must be at least 1, got %d", f.name, f.v)
		}
	}
	return nil
}
