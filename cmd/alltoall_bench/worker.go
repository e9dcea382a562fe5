// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"time"

	"github.com/gomlx/collectives/pkg/core/shapes"
	"github.com/gomlx/collectives/pkg/core/tensors"
	"github.com/gomlx/collectives/pkg/distributed/collective"
	"github.com/gomlx/collectives/pkg/support/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// benchConfig holds the parameters shared by all workers.
type benchConfig struct {
	dims  []int
	spec  collective.ExchangeSpec
	dtype string
	steps int
}

// workerResult is what one worker reports back.
type workerResult struct {
	rank          int
	input, output shapes.Shape
	bytesSent     uint64
	elapsed       time.Duration
	err           error
}

// makeInput creates the input of the worker with the given rank: consecutive values starting at rank*size.
func makeInput(dtype string, dims []int, rank int) (*tensors.Tensor, error) {
	size := shapes.Make(dtypes.Float32, dims...).Size()
	values := xslices.Iota(float32(rank*size), size)
	switch dtype {
	case "float32":
		return tensors.FromFlatDataAndDimensions(values, dims...), nil
	case "float16":
		return tensors.FromFlatDataAndDimensions(xslices.Map(values, float16.Fromfloat32), dims...), nil
	default:
		return nil, errors.Errorf("unsupported -dtype=%q, use \"float32\" or \"float16\"", dtype)
	}
}

// runWorker runs cfg.steps AllToAll collectives on the worker described by membership.
// It is called concurrently by all in-process workers, and bar (if not nil) is shared among them.
func runWorker(cfg benchConfig, membership collective.Membership, transport collective.CollectiveTransport,
	bar *progressbar.ProgressBar) *workerResult {
	result := &workerResult{rank: membership.Rank}
	input, err := makeInput(cfg.dtype, cfg.dims, membership.Rank)
	if err != nil {
		result.err = err
		return result
	}
	result.input = input.Shape()
	coordinator, err := collective.NewCoordinator(membership, transport)
	if err != nil {
		result.err = err
		return result
	}

	start := time.Now()
	var output *tensors.Tensor
	for step := range cfg.steps {
		output, err = coordinator.AllToAll(input, cfg.spec)
		if err != nil {
			result.err = errors.WithMessagef(err, "worker %d failed at step %d", membership.Rank, step)
			klog.Errorf("%+v", result.err)
			return result
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	result.elapsed = time.Since(start)
	if output != nil {
		result.output = output.Shape()
	}

	// Everything but the piece kept locally is sent to other workers.
	if membership.WorldSize > 1 && cfg.steps > 0 {
		scatterDim, err := shapes.NormalizeAxis(cfg.spec.ScatterDim, input.Rank())
		if err != nil {
			result.err = err
			return result
		}
		pieces, err := collective.ScatterPieces(input, scatterDim, cfg.spec.ScatterSizes, membership.WorldSize)
		if err != nil {
			result.err = err
			return result
		}
		perStep := uint64(input.Memory() - pieces[membership.Rank].Memory())
		result.bytesSent = perStep * uint64(cfg.steps)
	}
	return result
}
