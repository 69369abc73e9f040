// keelkv-bench - Benchmark tool for keelkv
//
// Usage:
//
//	keelkv-bench [flags]
//
// Flags:
//
//	-data string      Data directory (default: a temp directory)
//	-clients int      Number of parallel clients (default 50)
//	-requests int     Total number of requests (default 100000)
//	-value-size int   Value size in bytes (default 128)
//	-policy string    Sync policy: always, interval, never (default "interval")
//	-test string      Test type: put,get,mixed,incr (default "mixed")
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keelkv/keelkv"
)

// Override at build time:
// go build -ldflags "-X main.version=1.0.0"
var version = "dev"

func main() {
	dataDir := flag.String("data", "", "Data directory (empty = temp directory)")
	clients := flag.Int("clients", 50, "Number of parallel clients")
	requests := flag.Int("requests", 100000, "Total number of requests")
	valueSize := flag.Int("value-size", 128, "Value size in bytes")
	policy := flag.String("policy", "interval", "Sync policy: always, interval, never")
	testType := flag.String("test", "mixed", "Test type: put,get,mixed,incr")
	flag.Parse()

	fmt.Println("====== keelkv Benchmark ======")
	fmt.Printf("Version: %s\n", version)
	fmt.Printf("Clients: %d\n", *clients)
	fmt.Printf("Requests: %d\n", *requests)
	fmt.Printf("Value size: %d\n", *valueSize)
	fmt.Printf("Policy: %s\n", *policy)
	fmt.Printf("Test: %s\n", *testType)
	fmt.Println()

	dir := *dataDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "keelkv-bench-*")
		if err != nil {
			log.Fatalf("create temp dir: %v", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	db, err := keelkv.Open(dir, func(o *keelkv.Options) {
		switch *policy {
		case "always":
			o.SyncPolicy = keelkv.SyncAlways
		case "never":
			o.SyncPolicy = keelkv.SyncNever
		default:
			o.SyncPolicy = keelkv.SyncInterval
		}
	})
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	value := make([]byte, *valueSize)
	if *testType == "get" || *testType == "mixed" {
		// Preload so gets hit existing keys.
		for i := 0; i < 1000; i++ {
			if _, err := db.Put(fmt.Sprintf("bench:key:%d", i), value); err != nil {
				log.Fatalf("preload: %v", err)
			}
		}
	}

	var completed, errors int64
	reqPerClient := *requests / *clients

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(clientID)))

			for j := 0; j < reqPerClient; j++ {
				key := fmt.Sprintf("bench:key:%d", rng.Intn(1000))
				var err error
				switch *testType {
				case "put":
					_, err = db.Put(key, value)
				case "get":
					_, err = db.Get(key)
				case "incr":
					_, _, err = db.Increment(fmt.Sprintf("bench:counter:%d", clientID), 1)
				default: // mixed
					if j%2 == 0 {
						_, err = db.Put(key, value)
					} else {
						_, err = db.Get(key)
					}
				}
				if err != nil && err != keelkv.ErrNotFound {
					atomic.AddInt64(&errors, 1)
					continue
				}
				atomic.AddInt64(&completed, 1)
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	stats := db.Stats()
	fmt.Printf("Completed: %d\n", atomic.LoadInt64(&completed))
	fmt.Printf("Errors: %d\n", atomic.LoadInt64(&errors))
	fmt.Printf("Elapsed: %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Throughput: %.0f ops/sec\n", float64(completed)/elapsed.Seconds())
	fmt.Printf("Keys: %d, last sequence: %d\n", stats.KeysCount, stats.LastSequence)
}
