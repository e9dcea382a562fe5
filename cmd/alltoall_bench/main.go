// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// alltoall_bench runs repeated AllToAll collectives and reports the amount of data exchanged and the
// throughput of each worker.
//
// By default, it runs -workers workers as goroutines of the same process, connected by the "local" transport
// or, with -transport=tcp, by TCP connections over the loopback interface.
//
// To run one worker of a multi-process job, pass -addrs with the addresses of all workers (one per rank),
// and -rank (or set $RANK). All workers must use the same -session. E.g., for 2 workers on one host:
//
//	alltoall_bench -addrs=localhost:7000,localhost:7001 -rank=0 -session=job1 &
//	alltoall_bench -addrs=localhost:7000,localhost:7001 -rank=1 -session=job1
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/collectives/pkg/distributed/collective"
	"github.com/gomlx/collectives/pkg/distributed/transport/local"
	"github.com/gomlx/collectives/pkg/distributed/transport/tcp"
	"github.com/gomlx/collectives/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagTransport = flag.String("transport", local.TransportName,
		fmt.Sprintf("Transport used by in-process workers: %q or %q. Multi-process jobs (-addrs) always use %q.",
			local.TransportName, tcp.TransportName, tcp.TransportName))
	flagWorkers = flag.Int("workers", 4, "Number of in-process workers.")
	flagDims    = flag.String("dims", "64,1024", "Comma-separated dimensions of each worker's input tensor.")
	flagScatter = flag.Int("scatter", 0, "Axis along which each worker's input is scattered. Negative values count from the end.")
	flagGather  = flag.Int("gather", -1, "Axis along which the received pieces are gathered. Negative values count from the end.")
	flagDType   = flag.String("dtype", "float32", "Data type of the exchanged tensors: \"float32\" or \"float16\".")
	flagSteps   = flag.Int("steps", 100, "Number of AllToAll collectives to run.")
	flagTimeout = flag.Duration("timeout", 30*time.Second, "Maximum time to wait for each piece. 0 waits forever.")

	flagAddrs   = flag.String("addrs", "", "Comma-separated addresses (host:port) of all the workers of a multi-process job, indexed by rank.")
	flagRank    = flag.Int("rank", -1, "Rank of this worker in a multi-process job. If < 0, $RANK is used.")
	flagSession = flag.String("session", "", "Session shared by all workers of a multi-process job. "+
		"If empty, a new one is generated for in-process workers.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	dims := must.M1(xslices.ParseInts(*flagDims))
	if len(dims) == 0 {
		klog.Errorf("-dims must have at least one dimension, see 'alltoall_bench -help'")
		os.Exit(1)
	}
	cfg := benchConfig{
		dims:  dims,
		spec:  collective.NewExchange(*flagScatter, *flagGather),
		dtype: *flagDType,
		steps: *flagSteps,
	}

	var results []*workerResult
	if *flagAddrs != "" {
		results = []*workerResult{runRemoteWorker(cfg)}
	} else {
		results = runLocalWorkers(cfg)
	}
	report(cfg, results)
	for _, r := range results {
		if r.err != nil {
			os.Exit(1)
		}
	}
}

// runRemoteWorker runs the single worker of this process, part of a multi-process job.
func runRemoteWorker(cfg benchConfig) *workerResult {
	addrs := strings.Split(*flagAddrs, ",")
	membership := collective.Membership{WorldSize: len(addrs), Rank: *flagRank}
	if *flagRank < 0 {
		envMembership := must.M1(collective.MembershipFromEnv())
		membership.Rank = envMembership.Rank
	}
	transport := must.M1(tcp.New(tcp.Config{
		Addresses: addrs,
		Rank:      membership.Rank,
		Session:   *flagSession,
		Timeout:   *flagTimeout,
	}))
	defer func() { must.M(transport.Close()) }()
	bar := newProgressBar(cfg.steps, membership.Rank == 0)
	return runWorker(cfg, membership, transport, bar)
}

// runLocalWorkers runs all the workers as goroutines of this process.
func runLocalWorkers(cfg benchConfig) []*workerResult {
	worldSize := *flagWorkers
	if worldSize < 1 {
		klog.Errorf("-workers must be >= 1, got %d", worldSize)
		os.Exit(1)
	}
	transports := must.M1(newLocalTransports(worldSize))
	results := make([]*workerResult, worldSize)
	bar := newProgressBar(cfg.steps*worldSize, true)
	var wg sync.WaitGroup
	for rank := range worldSize {
		wg.Add(1)
		go func() {
			defer wg.Done()
			membership := collective.Membership{WorldSize: worldSize, Rank: rank}
			results[rank] = runWorker(cfg, membership, transports[rank], bar)
		}()
	}
	wg.Wait()
	for _, transport := range transports {
		if closer, ok := transport.(interface{ Close() error }); ok {
			must.M(closer.Close())
		}
	}
	return results
}

// newLocalTransports creates the transports of worldSize in-process workers, using the transport selected
// with -transport.
func newLocalTransports(worldSize int) ([]collective.CollectiveTransport, error) {
	transports := make([]collective.CollectiveTransport, worldSize)
	switch *flagTransport {
	case local.TransportName:
		world, err := local.NewWorld(worldSize)
		if err != nil {
			return nil, err
		}
		world.WithTimeout(*flagTimeout)
		for rank := range transports {
			transports[rank], err = world.Transport(rank)
			if err != nil {
				return nil, err
			}
		}
		return transports, nil

	case tcp.TransportName:
		session := *flagSession
		if session == "" {
			session = tcp.NewSession()
		}
		listeners := make([]net.Listener, worldSize)
		addrs := make([]string, worldSize)
		for rank := range listeners {
			l, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				return nil, errors.Wrap(err, "failed to listen on the loopback interface")
			}
			listeners[rank] = l
			addrs[rank] = l.Addr().String()
		}
		errs := make([]error, worldSize)
		var wg sync.WaitGroup
		for rank := range worldSize {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var transport *tcp.Transport
				transport, errs[rank] = tcp.New(tcp.Config{
					Addresses: addrs,
					Rank:      rank,
					Session:   session,
					Timeout:   *flagTimeout,
					Listener:  listeners[rank],
				})
				if errs[rank] == nil {
					transports[rank] = transport
				}
			}()
		}
		wg.Wait()
		for rank, err := range errs {
			if err != nil {
				return nil, errors.WithMessagef(err, "failed to connect worker %d", rank)
			}
		}
		return transports, nil

	default:
		return nil, errors.Errorf("unknown -transport=%q, registered transports: %v",
			*flagTransport, collective.RegisteredTransports())
	}
}

// newProgressBar returns a progress bar for the given number of steps, or nil if not visible.
func newProgressBar(numSteps int, visible bool) *progressbar.ProgressBar {
	if !visible {
		return nil
	}
	return progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("AllToAll"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("collectives"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish(),
	)
}
