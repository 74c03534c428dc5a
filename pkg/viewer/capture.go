package viewer

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
)

// captureFrame writes the composited screen to the capture directory.
// Pixels are copied out synchronously; encoding runs off the loop.
func (a *App) captureFrame(img *ebiten.Image) {
	if a.captureDir == "" {
		return
	}
	if err := os.MkdirAll(a.captureDir, 0o755); err != nil {
		a.log.Warn().Err(err).Msg("capture directory")
		return
	}

	filename := fmt.Sprintf("radiomap-%s.png", time.Now().Format("20060102-150405"))
	path := filepath.Join(a.captureDir, filename)

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	img.ReadPixels(rgba.Pix)

	go func() {
		f, err := os.Create(path)
		if err != nil {
			a.log.Warn().Err(err).Msg("capture create failed")
			return
		}
		defer func() {
			if err := f.Close(); err != nil {
				a.log.Warn().Err(err).Msg("capture close failed")
			}
		}()

		if err := png.Encode(f, rgba); err != nil {
			a.log.Warn().Err(err).Msg("capture encode failed")
			return
		}
		a.log.Info().Str("path", path).Msg("frame captured")
		a.setFlash("captured " + filename)
	}()
}
