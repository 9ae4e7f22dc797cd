package main

import (
	"context"
	"fmt"
	"log"
	mathrand "math/rand"
	"os"
	"sort"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/ivan-magda/listcore"
)

const ListSimVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `List reconciliation simulator.

Drives one list instance with randomized submissions and scroll positions
against a synthetic content fetcher, then prints the final counters.

Usage:
    listsim run [--steps=<steps>]
        [--items=<items>]
        [--visible=<visible>]
        [--churn=<churn>]
        [--fetch_millis=<fetch_millis>]
        [--seed=<seed>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --steps=<steps>                Simulation steps [default: 200].
    --items=<items>                Item universe size [default: 500].
    --visible=<visible>            Visible window size [default: 20].
    --churn=<churn>                Items inserted/removed per step [default: 5].
    --fetch_millis=<fetch_millis>  Max synthetic fetch time [default: 10].
    --seed=<seed>                  Random seed [default: 1].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ListSimVersion)
	if err != nil {
		panic(err)
	}

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	}
}

type simDelegate struct {
	fetchMillis int
}

func (self *simDelegate) KindForItem(item listcore.Item) listcore.Kind {
	return listcore.Kind("row")
}

func (self *simDelegate) FetchForItem(item listcore.Item) listcore.FetchFunction {
	fetchMillis := self.fetchMillis
	contentKey := item.ContentKey
	return func(ctx context.Context) (*listcore.Content, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(mathrand.Intn(fetchMillis+1)) * time.Millisecond):
		}
		return &listcore.Content{
			Value:     fmt.Sprintf("content(%s)", contentKey),
			ByteCount: listcore.ByteCount(1024 + mathrand.Intn(16*1024)),
		}, nil
	}
}

func (self *simDelegate) CreateVisual(kind listcore.Kind) any {
	return &struct{}{}
}

func (self *simDelegate) DestroyVisual(slot *listcore.Slot) {
}

func (self *simDelegate) SizeForSlot(kind listcore.Kind, content *listcore.Content) listcore.Size {
	return listcore.Size{Width: 320, Height: 44}
}

func run(opts docopt.Opts) {
	steps, _ := opts.Int("--steps")
	items, _ := opts.Int("--items")
	visible, _ := opts.Int("--visible")
	churn, _ := opts.Int("--churn")
	fetchMillis, _ := opts.Int("--fetch_millis")
	seed, _ := opts.Int("--seed")

	random := mathrand.New(mathrand.NewSource(int64(seed)))

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delegate := &simDelegate{
		fetchMillis: fetchMillis,
	}
	manager := listcore.NewListManagerWithDefaults(cancelCtx, delegate)
	defer manager.Close()

	sectionId := listcore.NewIdentity()
	universe := []listcore.Item{}
	for i := 0; i < items; i += 1 {
		universe = append(universe, listcore.Item{
			Id:         listcore.NewIdentity(),
			ContentKey: listcore.ContentKey(fmt.Sprintf("v0-%d", i)),
		})
	}

	current := append([]listcore.Item{}, universe...)

	startTime := time.Now()
	for step := 0; step < steps; step += 1 {
		// churn: remove, insert, and touch a few items
		for c := 0; c < churn && 0 < len(current); c += 1 {
			i := random.Intn(len(current))
			current = append(current[:i], current[i+1:]...)
		}
		for c := 0; c < churn; c += 1 {
			i := random.Intn(len(current) + 1)
			item := listcore.Item{
				Id:         listcore.NewIdentity(),
				ContentKey: listcore.ContentKey(fmt.Sprintf("v%d-new", step)),
			}
			current = append(current[:i], append([]listcore.Item{item}, current[i:]...)...)
		}
		for c := 0; c < churn && 0 < len(current); c += 1 {
			i := random.Intn(len(current))
			current[i].ContentKey = listcore.ContentKey(fmt.Sprintf("v%d-%d", step, i))
		}

		err := manager.Submit([]listcore.SnapshotSection{
			{
				Id:    sectionId,
				Items: current,
			},
		})
		if err != nil {
			Err.Printf("submit failed: %s", err)
			return
		}

		lo := 0
		if visible < len(current) {
			lo = random.Intn(len(current) - visible + 1)
		}
		manager.SetVisibleRange(lo, lo+visible)
	}

	waitCtx, waitCancel := context.WithTimeout(cancelCtx, 30*time.Second)
	defer waitCancel()
	if !manager.WaitForIdle(waitCtx) {
		Err.Printf("timed out waiting for idle")
		return
	}
	elapsed := time.Since(startTime)

	Out.Printf("%d steps in %dms", steps, elapsed/time.Millisecond)
	printStats("list", manager.Stats())
	printStats("pool", manager.Pool().Stats())
	printStats("loader", manager.Loader().Stats())
	cacheCount, cacheByteCount := manager.Loader().CacheSize()
	Out.Printf("cache: %d entries, %d bytes", cacheCount, cacheByteCount)
}

func printStats(tag string, stats map[string]uint64) {
	keys := []string{}
	for key := range stats {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		Out.Printf("%s.%s = %d", tag, key, stats[key])
	}
}
