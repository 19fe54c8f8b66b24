// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

// Package orientation estimates the heading of an animal from a grayscale camera frame, and rotates
// 2D keypoints so that all frames share the same heading.
package orientation

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/marcoabrate/LiftPose3D/pkg/geometry"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	// IntensityThreshold: pixels darker than this are considered background.
	IntensityThreshold = 130

	// MinContourArea is the area in pixels a contour must exceed to be taken as the animal.
	MinContourArea = 10000.0
)

var (
	// ErrNoContour is returned when the thresholded frame has no contour at all.
	ErrNoContour = errors.New("no contour found in image")

	// ErrNoQualifyingContour is returned when no contour has an area above MinContourArea.
	ErrNoQualifyingContour = errors.New("no contour larger than the minimum area found in image")
)

// Orientation returns the angle in radians, relative to the x-axis, of the first principal axis
// of the first external contour larger than MinContourArea, found in the single channel 8-bit
// image gray.
//
// If there are multiple large contours, the first one returned by OpenCV is used.
func Orientation(gray gocv.Mat) (float64, error) {
	if gray.Empty() {
		return 0, errors.New("empty image")
	}
	if gray.Type() != gocv.MatTypeCV8UC1 {
		return 0, errors.Errorf("image must be single channel 8-bit, got Mat type %v", gray.Type())
	}

	thresholded := gocv.NewMat()
	defer thresholded.Close()
	// ThresholdToZero keeps values > thresh, so 129 keeps everything >= IntensityThreshold.
	gocv.Threshold(gray, &thresholded, IntensityThreshold-1, 255, gocv.ThresholdToZero)

	contours := gocv.FindContours(thresholded, gocv.RetrievalExternal, gocv.ChainApproxNone)
	defer contours.Close()
	if contours.Size() == 0 {
		return 0, ErrNoContour
	}
	for ii := range contours.Size() {
		contour := contours.At(ii)
		if gocv.ContourArea(contour) > MinContourArea {
			return principalAngle(contour.ToPoints())
		}
	}
	return 0, ErrNoQualifyingContour
}

// principalAngle of the boundary points, computed with PCA.
func principalAngle(points []image.Point) (float64, error) {
	data := mat.NewDense(len(points), 2, nil)
	for ii, p := range points {
		data.Set(ii, 0, float64(p.X))
		data.Set(ii, 1, float64(p.Y))
	}
	var pc stat.PC
	if !pc.PrincipalComponents(data, nil) {
		return 0, errors.Errorf("PCA of %d contour points failed", len(points))
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	// Principal directions are the columns, in decreasing order of variance.
	return math.Atan2(vecs.At(1, 0), vecs.At(0, 0)), nil
}

// GrayMat converts an image to a single channel 8-bit Mat. The caller owns the returned Mat and
// must Close it.
func GrayMat(img image.Image) (gocv.Mat, error) {
	gray := imaging.Grayscale(img)
	bounds := gray.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	pix := make([]byte, width*height)
	for y := range height {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+4*width]
		for x := range width {
			pix[y*width+x] = row[4*x]
		}
	}
	m, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8UC1, pix)
	if err != nil {
		return gocv.Mat{}, errors.Wrapf(err, "failed to convert %dx%d image to Mat", width, height)
	}
	return m, nil
}

// OrientationFromImage is like Orientation, but takes any image.Image, converted to grayscale.
func OrientationFromImage(img image.Image) (float64, error) {
	gray, err := GrayMat(img)
	if err != nil {
		return 0, err
	}
	defer gray.Close()
	return Orientation(gray)
}

// CenterAndAlign returns a new flat sequence of 2D keypoints (x0, y0, x1, y1, ...) rotated about the
// image center by the orientation of gray. The input points are not modified.
//
// The center is (rows/2, cols/2), and points are rotated as (p - center)·R + center, with
// R = [[cos, -sin], [sin, cos]] of the orientation angle.
func CenterAndAlign(points []float64, gray gocv.Mat) ([]float64, error) {
	angle, err := Orientation(gray)
	if err != nil {
		return nil, err
	}
	return AlignPoints(points, [2]float64{float64(gray.Rows()) / 2, float64(gray.Cols()) / 2}, angle)
}

// AlignPoints rotates the flat sequence of 2D keypoints about center by angle, see CenterAndAlign.
func AlignPoints(points []float64, center [2]float64, angle float64) ([]float64, error) {
	pointSet, err := geometry.FromFlat(points, 2)
	if err != nil {
		return nil, err
	}
	rotated, err := geometry.Rotate2DAbout(pointSet, center, angle)
	if err != nil {
		return nil, err
	}
	return geometry.Flatten(rotated), nil
}
