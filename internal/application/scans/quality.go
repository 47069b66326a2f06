package scans

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	domain "github.com/bryanwahyu/cardscan/internal/domain/scans"
)

const (
	minLongSide     = 800
	minShortSide    = 600
	idealLongSide   = 1920
	idealShortSide  = 1080
	maxFileBytes    = 10 << 20
	tinyFileBytes   = 100 << 10
	minSharpness    = 10.0
	idealSharpness  = 50.0
	sharpnessSample = 500
)

var goodAspects = []float64{4.0 / 3, 3.0 / 2, 16.0 / 9, 3.0 / 4, 2.0 / 3, 9.0 / 16}

// AssessQuality scores a photo for card recognition. The result is advisory.
func AssessQuality(data []byte) domain.Quality {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return domain.Quality{Issues: []string{"quality not assessed: " + err.Error()}}
	}

	var issues []string
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	long, short := max(w, h), min(w, h)

	var resScore float64
	switch {
	case long < minLongSide || short < minShortSide:
		issues = append(issues, fmt.Sprintf("resolution too low: %dx%d (minimum %dx%d)", w, h, minLongSide, minShortSide))
	case long >= idealLongSide && short >= idealShortSide:
		resScore = 100
	default:
		lr := float64(long-minLongSide) / float64(idealLongSide-minLongSide)
		sr := float64(short-minShortSide) / float64(idealShortSide-minShortSide)
		resScore = math.Min(math.Min(lr, sr), 1) * 100
	}

	sizeScore := 100.0
	switch size := len(data); {
	case size > maxFileBytes:
		sizeScore = 50
		issues = append(issues, fmt.Sprintf("file size large: %.1fMB", float64(size)/(1<<20)))
	case size < tinyFileBytes:
		sizeScore = 30
		issues = append(issues, "file size very small, image may be over-compressed")
	}

	aspect := float64(w) / float64(h)
	diff := math.MaxFloat64
	for _, r := range goodAspects {
		diff = math.Min(diff, math.Abs(aspect-r))
	}
	var aspectScore float64
	switch {
	case diff < 0.1:
		aspectScore = 100
	case diff < 0.3:
		aspectScore = 80
	case diff < 0.5:
		aspectScore = 60
	default:
		aspectScore = 40
		issues = append(issues, fmt.Sprintf("unusual aspect ratio: %.2f", aspect))
	}

	sharp := laplacianVariance(img)
	var sharpScore float64
	switch {
	case sharp < minSharpness:
		issues = append(issues, fmt.Sprintf("image appears blurry (sharpness %.1f)", sharp))
	case sharp >= idealSharpness:
		sharpScore = 100
	default:
		sharpScore = sharp / idealSharpness * 100
	}

	score := resScore*0.3 + sizeScore*0.1 + sharpScore*0.4 + aspectScore*0.2
	return domain.Quality{Score: math.Round(score*10) / 10, Issues: issues}
}

// laplacianVariance measures edge energy on a downsampled grayscale copy.
func laplacianVariance(img image.Image) float64 {
	b := img.Bounds()
	step := max(1, max(b.Dx(), b.Dy())/sharpnessSample)
	gw, gh := b.Dx()/step, b.Dy()/step
	if gw < 3 || gh < 3 {
		return 0
	}

	gray := make([]float64, gw*gh)
	for y := 0; y < gh; y++ {
		for x := 0; x < gw; x++ {
			c := color.GrayModel.Convert(img.At(b.Min.X+x*step, b.Min.Y+y*step)).(color.Gray)
			gray[y*gw+x] = float64(c.Y)
		}
	}

	var sum, sumSq float64
	n := 0
	for y := 1; y < gh-1; y++ {
		for x := 1; x < gw-1; x++ {
			center := gray[y*gw+x]
			var around float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dx != 0 || dy != 0 {
						around += gray[(y+dy)*gw+x+dx]
					}
				}
			}
			v := 8*center - around
			sum += v
			sumSq += v * v
			n++
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}
