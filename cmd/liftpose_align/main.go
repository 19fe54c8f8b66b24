// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

// liftpose_align rotates 2D keypoints so that the animal in the corresponding camera frames always
// has the same heading.
//
// The keypoints are read from an array of a .npz file, with one pose per row, flattened as
// (x0, y0, x1, y1, ...). Either one frame is given for all poses, or one frame per pose:
//
//	liftpose_align -in poses.npz -out aligned.npz frame_000.png frame_001.png ...
//
// The other arrays of the input file are copied unchanged.
package main

import (
	"flag"
	"os"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/marcoabrate/LiftPose3D/internal/workerspool"
	"github.com/marcoabrate/LiftPose3D/pkg/core/numpy"
	"github.com/marcoabrate/LiftPose3D/pkg/geometry/orientation"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/data"
	"github.com/marcoabrate/LiftPose3D/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

var (
	flagIn          = flag.String("in", "", "Input .npz file with the 2D keypoints.")
	flagOut         = flag.String("out", "", "Output .npz file. It is overwritten if it exists.")
	flagKey         = flag.String("key", data.InputsArrayName, "Name of the array with the 2D keypoints.")
	flagParallelism = flag.Int("parallelism", 0, "Number of frames processed in parallel. Defaults to the number of CPUs.")
	flagSkip        = flag.Bool("skip", false, "Leave poses whose frame has no animal contour unaligned, "+
		"instead of failing.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagIn == "" || *flagOut == "" || flag.NArg() == 0 {
		klog.Errorf("Flags -in and -out and at least one frame are required. See 'liftpose_align -help'")
		os.Exit(1)
	}
	inPath := must.M1(fsutil.ReplaceTildeInDir(*flagIn))
	outPath := must.M1(fsutil.ReplaceTildeInDir(*flagOut))

	arrays := must.M1(numpy.FromNpzFile(inPath))
	array, found := arrays[*flagKey]
	if !found {
		klog.Fatalf("Array %q not found in %q", *flagKey, inPath)
	}
	poses := must.M1(array.AsDense())
	numPoses, _ := poses.Dims()
	frames := flag.Args()
	if len(frames) != 1 && len(frames) != numPoses {
		klog.Fatalf("Got %d frames for %d poses: give either one frame or one frame per pose", len(frames), numPoses)
	}

	aligned, numSkipped, err := alignPoses(poses, frames, *flagSkip)
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	if numSkipped > 0 {
		klog.Warningf("%s of %s poses left unaligned", humanize.Comma(int64(numSkipped)), humanize.Comma(int64(numPoses)))
	}
	arrays[*flagKey] = numpy.FromDense(aligned)
	must.M(numpy.ToNpzFile(arrays, outPath))
	klog.Infof("Saved %s aligned poses to %q", humanize.Comma(int64(numPoses)), outPath)
}

// frameResult is the orientation of one frame.
type frameResult struct {
	center [2]float64
	angle  float64
	err    error
}

// alignPoses aligns each row of poses with its frame (or the single frame, if only one is given).
// Frames are processed in parallel.
func alignPoses(poses *mat.Dense, frames []string, skip bool) (aligned *mat.Dense, numSkipped int, err error) {
	results := make([]frameResult, len(frames))
	pool := workerspool.New()
	if *flagParallelism > 0 {
		pool.SetMaxParallelism(*flagParallelism)
	}
	pool.ForEach(len(frames), func(i int) {
		r := &results[i]
		r.center, r.angle, r.err = frameOrientation(frames[i])
	})
	for i, r := range results {
		if r.err != nil && !(skip && isNoContour(r.err)) {
			return nil, 0, errors.WithMessagef(r.err, "frame %q", frames[i])
		}
	}

	numPoses, poseSize := poses.Dims()
	aligned = mat.NewDense(numPoses, poseSize, nil)
	for row := range numPoses {
		r := results[min(row, len(results)-1)]
		pose := mat.Row(nil, row, poses)
		if r.err != nil {
			numSkipped++
			aligned.SetRow(row, pose)
			continue
		}
		alignedPose, err := orientation.AlignPoints(pose, r.center, r.angle)
		if err != nil {
			return nil, 0, errors.WithMessagef(err, "pose #%d", row)
		}
		aligned.SetRow(row, alignedPose)
	}
	return aligned, numSkipped, nil
}

// frameOrientation loads the frame and returns its center, as used by orientation.CenterAndAlign,
// and the orientation of the animal.
func frameOrientation(framePath string) (center [2]float64, angle float64, err error) {
	img, err := imaging.Open(framePath)
	if err != nil {
		return center, 0, errors.Wrapf(err, "failed to read frame")
	}
	gray, err := orientation.GrayMat(img)
	if err != nil {
		return center, 0, err
	}
	defer func() { _ = gray.Close() }()
	center = [2]float64{float64(gray.Rows()) / 2, float64(gray.Cols()) / 2}
	angle, err = orientation.Orientation(gray)
	return center, angle, err
}

func isNoContour(err error) bool {
	return errors.Is(err, orientation.ErrNoContour) || errors.Is(err, orientation.ErrNoQualifyingContour)
}
